package audio

import "errors"

// ErrProbeUnavailable indicates the ffprobe binary is not installed or not on PATH.
var ErrProbeUnavailable = errors.New("ffprobe not found")

// ErrSliceToolMissing indicates the ffmpeg binary is not installed or not on PATH.
var ErrSliceToolMissing = errors.New("ffmpeg not found")

// ErrUnreadableAudio indicates probe output could not be parsed or reported zero duration.
var ErrUnreadableAudio = errors.New("unreadable audio")

// ErrNotFound indicates the specified input file does not exist.
var ErrNotFound = errors.New("file not found")

// ErrSliceFailed indicates ffmpeg failed while extracting a slice.
var ErrSliceFailed = errors.New("slice extraction failed")

// ErrTimeRangeInvalid indicates a negative start or non-positive duration.
var ErrTimeRangeInvalid = errors.New("invalid time range")
