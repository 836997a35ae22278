// Package cli implements the hearingpipe commands. Commands receive an
// Env carrying their injectable dependencies so tests can run them
// against fakes.
package cli

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/legiscribe/hearingpipe/internal/audio"
	"github.com/legiscribe/hearingpipe/internal/store"
	"github.com/legiscribe/hearingpipe/internal/transcribe"
)

// Env holds injectable dependencies for CLI commands. Use DefaultEnv
// for production, NewEnv with options in tests.
type Env struct {
	Stdout io.Writer
	Stderr io.Writer
	Getenv func(string) string
	Now    func() time.Time

	ToolResolver       ToolResolver
	StoreOpener        StoreOpener
	TranscriberFactory TranscriberFactory
}

// ToolResolver locates the external audio binaries.
type ToolResolver interface {
	Resolve() (audio.Tools, error)
}

// StoreOpener opens the hearings metadata database.
type StoreOpener interface {
	Open(path string) (HearingStore, error)
}

// HearingStore is the store surface the commands use.
type HearingStore interface {
	GetHearing(ctx context.Context, id string) (store.Hearing, error)
	CreateHearing(ctx context.Context, h store.Hearing) error
	SaveTranscript(ctx context.Context, id, fullText string, at time.Time) error
	Close() error
}

// TranscriberFactory builds the speech service client.
type TranscriberFactory interface {
	New(creds transcribe.CredentialProvider, baseURL string) (SpeechClient, error)
}

// SpeechClient is a transcriber that can also be pinged for liveness.
type SpeechClient interface {
	transcribe.Transcriber
	transcribe.Pinger
}

// EnvOption configures an Env.
type EnvOption func(*Env)

// WithStdout sets the stdout writer.
func WithStdout(w io.Writer) EnvOption {
	return func(e *Env) {
		e.Stdout = w
	}
}

// WithStderr sets the stderr writer.
func WithStderr(w io.Writer) EnvOption {
	return func(e *Env) {
		e.Stderr = w
	}
}

// WithGetenv sets the environment variable getter.
func WithGetenv(fn func(string) string) EnvOption {
	return func(e *Env) {
		e.Getenv = fn
	}
}

// WithNow sets the time provider.
func WithNow(fn func() time.Time) EnvOption {
	return func(e *Env) {
		e.Now = fn
	}
}

// WithToolResolver sets the audio tool resolver.
func WithToolResolver(r ToolResolver) EnvOption {
	return func(e *Env) {
		e.ToolResolver = r
	}
}

// WithStoreOpener sets the database opener.
func WithStoreOpener(o StoreOpener) EnvOption {
	return func(e *Env) {
		e.StoreOpener = o
	}
}

// WithTranscriberFactory sets the speech client factory.
func WithTranscriberFactory(f TranscriberFactory) EnvOption {
	return func(e *Env) {
		e.TranscriberFactory = f
	}
}

// DefaultEnv returns an Env with production defaults.
func DefaultEnv() *Env {
	return &Env{
		Stdout:             os.Stdout,
		Stderr:             os.Stderr,
		Getenv:             os.Getenv,
		Now:                time.Now,
		ToolResolver:       defaultToolResolver{},
		StoreOpener:        defaultStoreOpener{},
		TranscriberFactory: defaultTranscriberFactory{},
	}
}

// NewEnv creates an Env with the given options applied to defaults.
func NewEnv(opts ...EnvOption) *Env {
	env := DefaultEnv()
	for _, opt := range opts {
		opt(env)
	}
	return env
}

type defaultToolResolver struct{}

func (defaultToolResolver) Resolve() (audio.Tools, error) {
	return audio.ResolveTools()
}

type defaultStoreOpener struct{}

func (defaultStoreOpener) Open(path string) (HearingStore, error) {
	return store.Open(path)
}

type defaultTranscriberFactory struct{}

func (defaultTranscriberFactory) New(creds transcribe.CredentialProvider, baseURL string) (SpeechClient, error) {
	return transcribe.NewClient(creds, baseURL)
}
