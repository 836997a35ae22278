package cli

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/legiscribe/hearingpipe/internal/audio"
	"github.com/legiscribe/hearingpipe/internal/config"
	"github.com/legiscribe/hearingpipe/internal/progress"
	"github.com/legiscribe/hearingpipe/internal/store"
)

// --- fakes ---

// sharedStoreOpener hands out the same store for every open, ignoring
// Close so commands in one test see each other's writes.
type sharedStoreOpener struct {
	st HearingStore
}

func (o sharedStoreOpener) Open(string) (HearingStore, error) {
	return nopCloseStore{o.st}, nil
}

type nopCloseStore struct {
	HearingStore
}

func (nopCloseStore) Close() error { return nil }

type failingToolResolver struct {
	err error
}

func (f failingToolResolver) Resolve() (audio.Tools, error) {
	return audio.Tools{}, f.err
}

func testEnv(t *testing.T, vars map[string]string, opts ...EnvOption) (*Env, *bytes.Buffer) {
	t.Helper()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	var stdout bytes.Buffer
	base := []EnvOption{
		WithStdout(&stdout),
		WithStderr(&bytes.Buffer{}),
		WithGetenv(func(key string) string { return vars[key] }),
		WithStoreOpener(sharedStoreOpener{st: st}),
	}
	return NewEnv(append(base, opts...)...), &stdout
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) error {
	t.Helper()
	cmd.SetArgs(args)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	return cmd.ExecuteContext(context.Background())
}

// --- hearings ---

func TestHearingsAddAndShow(t *testing.T) {
	t.Parallel()

	env, stdout := testEnv(t, nil)

	err := execute(t, HearingsCmd(env),
		"add",
		"--id", "h-42",
		"--title", "Transit Funding Hearing",
		"--committee", "Transportation",
		"--date", "2026-03-15",
	)
	if err != nil {
		t.Fatalf("hearings add error = %v", err)
	}
	if got := strings.TrimSpace(stdout.String()); got != "h-42" {
		t.Errorf("add output = %q, want id", got)
	}

	stdout.Reset()
	if err := execute(t, HearingsCmd(env), "show", "h-42"); err != nil {
		t.Fatalf("hearings show error = %v", err)
	}
	out := stdout.String()
	for _, want := range []string{"Transit Funding Hearing", "Transportation", "2026-03-15", "captured"} {
		if !strings.Contains(out, want) {
			t.Errorf("show output missing %q:\n%s", want, out)
		}
	}
}

func TestHearingsAddBadDate(t *testing.T) {
	t.Parallel()

	env, _ := testEnv(t, nil)
	err := execute(t, HearingsCmd(env),
		"add", "--title", "t", "--committee", "c", "--date", "March 15",
	)
	if err == nil {
		t.Error("hearings add with bad date succeeded")
	}
}

func TestHearingsAddMissingFlags(t *testing.T) {
	t.Parallel()

	env, _ := testEnv(t, nil)
	err := execute(t, HearingsCmd(env), "add", "--title", "t")
	if err == nil || !strings.Contains(err.Error(), "required flag") {
		t.Errorf("error = %v, want required flag error", err)
	}
}

func TestHearingsShowNotFound(t *testing.T) {
	t.Parallel()

	env, _ := testEnv(t, nil)
	err := execute(t, HearingsCmd(env), "show", "nope")
	if !errors.Is(err, store.ErrHearingNotFound) {
		t.Errorf("error = %v, want ErrHearingNotFound", err)
	}
}

// --- status ---

func TestStatusReadsSnapshot(t *testing.T) {
	t.Parallel()

	progressDir := t.TempDir()
	reporter := progress.NewReporter(progress.WithSnapshotDir(progressDir))
	if err := reporter.Start("job-7"); err != nil {
		t.Fatal(err)
	}
	if err := reporter.SetStage("job-7", progress.StageTranscribing, ""); err != nil {
		t.Fatal(err)
	}

	env, stdout := testEnv(t, map[string]string{
		config.EnvProgressDir: progressDir,
	})
	if err := execute(t, StatusCmd(env), "job-7"); err != nil {
		t.Fatalf("status error = %v", err)
	}

	out := stdout.String()
	if !strings.Contains(out, "job-7") || !strings.Contains(out, "transcribing") {
		t.Errorf("status output = %q", out)
	}
}

func TestStatusUnknownJob(t *testing.T) {
	t.Parallel()

	env, _ := testEnv(t, map[string]string{
		config.EnvProgressDir: t.TempDir(),
	})
	if err := execute(t, StatusCmd(env), "nope"); err == nil {
		t.Error("status for unknown job succeeded")
	}
}

// --- transcribe ---

func TestTranscribeRequiresAudioArg(t *testing.T) {
	t.Parallel()

	env, _ := testEnv(t, nil)
	err := execute(t, TranscribeCmd(env))
	if err == nil || !strings.Contains(err.Error(), "accepts ") {
		t.Errorf("error = %v, want arg count error", err)
	}
}

func TestTranscribeToolResolutionFailure(t *testing.T) {
	t.Parallel()

	env, _ := testEnv(t, map[string]string{
		config.EnvScratchRoot: filepath.Join(t.TempDir(), "scratch"),
	}, WithToolResolver(failingToolResolver{err: audio.ErrSliceToolMissing}))

	err := execute(t, TranscribeCmd(env), "/audio/hearing.mp3")
	if !errors.Is(err, audio.ErrSliceToolMissing) {
		t.Errorf("error = %v, want ErrSliceToolMissing", err)
	}
}

func TestTranscribeInvalidConfig(t *testing.T) {
	t.Parallel()

	env, _ := testEnv(t, map[string]string{
		config.EnvMaxConcurrent: "zero",
	})
	err := execute(t, TranscribeCmd(env), "/audio/hearing.mp3")
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("error = %v, want ErrInvalidConfig", err)
	}
}

func TestDefaultEnvComplete(t *testing.T) {
	t.Parallel()

	env := DefaultEnv()
	if env.Stdout == nil || env.Stderr == nil || env.Getenv == nil || env.Now == nil {
		t.Error("DefaultEnv() left I/O fields nil")
	}
	if env.ToolResolver == nil || env.StoreOpener == nil || env.TranscriberFactory == nil {
		t.Error("DefaultEnv() left factory fields nil")
	}
	if env.Now().IsZero() {
		t.Error("Now() returned zero time")
	}
}
