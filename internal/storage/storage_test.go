package storage

import (
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/reccon/internal/observe"
	"github.com/MrWong99/reccon/internal/segment"
	"github.com/MrWong99/reccon/pkg/audio"
	"github.com/MrWong99/reccon/pkg/audio/encode"
	"github.com/MrWong99/reccon/pkg/audio/mock"
)

var testFormat = audio.Format{SampleRate: 16000, Channels: 1}

func openDir(t *testing.T, policy PartialPolicy, opts ...Option) *Dir {
	t.Helper()
	return openDirAt(t, filepath.Join(t.TempDir(), "segments"), policy, opts...)
}

func openDirAt(t *testing.T, path string, policy PartialPolicy, opts ...Option) *Dir {
	t.Helper()
	met, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(met),
	}, opts...)
	d, err := Open(Config{
		Dir:           path,
		Format:        encode.FormatWAV,
		Audio:         testFormat,
		PartialPolicy: policy,
	}, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func testFrame(i int) audio.AudioFrame {
	samples := make([]int16, 1600)
	for j := range samples {
		samples[j] = int16((i*31 + j) % 2000)
	}
	return audio.AudioFrame{
		Data:       audio.Int16sToBytes(samples),
		SampleRate: testFormat.SampleRate,
		Channels:   testFormat.Channels,
		Timestamp:  time.Duration(i) * 100 * time.Millisecond,
	}
}

// writeFixture creates an empty file named n in d.
func writeFixture(t *testing.T, d *Dir, name string) string {
	t.Helper()
	p := filepath.Join(d.Path(), name)
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func allocName(t *testing.T, d *Dir, k Kind) string {
	t.Helper()
	a, err := d.Allocate(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return a.Name.As(k).String()
}

func fileHash(t *testing.T, path string) [32]byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return sha256.Sum256(b)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestParseName(t *testing.T) {
	t.Parallel()
	const id = "01HZY3T6V1Q8N0X8C9G2K4M5P7"
	tests := []struct {
		name   string
		want   Kind
		wantOK bool
	}{
		{id + ".opus", KindSealed, true},
		{id + ".wav", KindSealed, true},
		{id + ".opus.part", KindPartial, true},
		{id + ".uploaded.opus", KindUploaded, true},
		{id + ".wav.orphan", KindOrphan, true},
		{id + ".mp3", 0, false},
		{id + ".uploaded.opus.part", 0, false},
		{"notes.txt", 0, false},
		{"01HZY3T6V1Q8N0X8C9G2K4M5P.opus", 0, false},
		{id, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := ParseName(tt.name)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if n.Kind != tt.want || n.ID != id {
				t.Errorf("ParseName = %+v, want kind %v", n, tt.want)
			}
			if n.String() != tt.name {
				t.Errorf("String() = %q, want %q", n.String(), tt.name)
			}
		})
	}
}

func TestOpen_Validation(t *testing.T) {
	t.Parallel()
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty path", Config{}},
		{"path is a file", Config{Dir: file}},
		{"bad format", Config{Dir: t.TempDir(), Format: "flac"}},
		{"bad policy", Config{Dir: t.TempDir(), PartialPolicy: "shred"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Open(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestAllocate_SortsWithinSameMillisecond(t *testing.T) {
	t.Parallel()
	fixed := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	d := openDir(t, PolicyKeep)

	var ids []string
	for range 50 {
		a, err := d.Allocate(fixed)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, a.ID)
	}
	if !slices.IsSorted(ids) {
		t.Error("IDs allocated in one millisecond are not in order")
	}
	if n, _ := ParseName(ids[0] + ".wav"); !n.Created().Equal(fixed) {
		t.Errorf("Created() = %v, want %v", n.Created(), fixed)
	}
}

func TestRecording_SealLifecycle(t *testing.T) {
	t.Parallel()
	d := openDir(t, PolicyKeep)
	var hooked []string
	d.OnSealed(func(p string) { hooked = append(hooked, p) })

	rec, err := d.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	part := rec.Path()
	if filepath.Ext(part) != ".part" || !exists(part) {
		t.Fatalf("partial file %s missing", part)
	}
	for i := range 5 {
		if err := rec.Write(testFrame(i)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	sealed, err := rec.Seal()
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if exists(part) {
		t.Error("partial file still present after seal")
	}
	if want := filepath.Join(d.Path(), rec.ID()+".wav"); sealed != want {
		t.Errorf("sealed path = %s, want %s", sealed, want)
	}
	if len(hooked) != 1 || hooked[0] != sealed {
		t.Errorf("OnSealed hooks got %v", hooked)
	}
	if err := rec.Write(testFrame(6)); err == nil {
		t.Error("Write after Seal should fail")
	}

	// Sealed content is stable across reads and across MarkUploaded.
	h1 := fileHash(t, sealed)
	if h2 := fileHash(t, sealed); h1 != h2 {
		t.Fatal("sealed file changed between reads")
	}
	up, err := d.MarkUploaded(sealed)
	if err != nil {
		t.Fatalf("MarkUploaded: %v", err)
	}
	if fileHash(t, up) != h1 {
		t.Error("MarkUploaded changed file content")
	}
}

func TestRecording_Abort(t *testing.T) {
	t.Parallel()
	tests := []struct {
		policy   PartialPolicy
		wantKept bool
	}{
		{PolicyKeep, true},
		{PolicyDelete, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			d := openDir(t, tt.policy)
			rec, err := d.Open(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			_ = rec.Write(testFrame(0))
			rec.Abort(errors.New("disk full"))
			rec.Abort(errors.New("again"))

			orphan := filepath.Join(d.Path(), rec.ID()+".wav.orphan")
			if exists(rec.Path()) {
				t.Error("partial file still present")
			}
			if exists(orphan) != tt.wantKept {
				t.Errorf("orphan exists = %v, want %v", exists(orphan), tt.wantKept)
			}
			if _, err := rec.Seal(); err == nil {
				t.Error("Seal after Abort should fail")
			}
		})
	}
}

func TestRecording_EncoderFailures(t *testing.T) {
	t.Parallel()
	enc := &mock.Encoder{WriteError: errors.New("boom"), FailAfter: 1, CloseError: errors.New("close boom")}
	d := openDir(t, PolicyKeep, WithEncoderFactory(func(io.WriteSeeker) (encode.Encoder, error) {
		return enc, nil
	}))
	var hooked int
	d.OnSealed(func(string) { hooked++ })

	rec, err := d.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := rec.Write(testFrame(0)); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	if err := rec.Write(testFrame(1)); !errors.Is(err, ErrEncode) {
		t.Errorf("Write err = %v, want ErrEncode", err)
	}
	if _, err := rec.Seal(); !errors.Is(err, ErrEncode) {
		t.Errorf("Seal err = %v, want ErrEncode", err)
	}
	rec.Abort(errors.New("seal failed"))

	if hooked != 0 {
		t.Error("OnSealed called for a failed seal")
	}
	if !exists(filepath.Join(d.Path(), rec.ID()+".wav.orphan")) {
		t.Error("failed segment was not kept as orphan")
	}
}

func TestOpen_EncoderFactoryFailureRemovesPartial(t *testing.T) {
	t.Parallel()
	d := openDir(t, PolicyKeep, WithEncoderFactory(func(io.WriteSeeker) (encode.Encoder, error) {
		return nil, encode.ErrFormat
	}))
	_, err := d.Open(context.Background())
	if !errors.Is(err, ErrEncode) {
		t.Fatalf("err = %v, want ErrEncode", err)
	}
	entries, _ := os.ReadDir(d.Path())
	if len(entries) != 0 {
		t.Errorf("directory not empty after failed open: %v", entries)
	}
}

func TestOpen_DirectoryGoneIsExhausted(t *testing.T) {
	t.Parallel()
	d := openDir(t, PolicyKeep)
	if err := os.RemoveAll(d.Path()); err != nil {
		t.Fatal(err)
	}
	_, err := d.Open(context.Background())
	if !errors.Is(err, ErrExhausted) || !errors.Is(err, segment.ErrExhausted) {
		t.Errorf("err = %v, want ErrExhausted", err)
	}
	if err := d.Check(context.Background()); err == nil {
		t.Error("Check should fail for a missing directory")
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()
	d := openDir(t, PolicyKeep)
	if err := d.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	entries, _ := os.ReadDir(d.Path())
	for _, e := range entries {
		if e.Name() != lockName {
			t.Errorf("Check left %s behind", e.Name())
		}
	}
}

func TestOpen_SecondDirIsReadOnly(t *testing.T) {
	t.Parallel()
	owner := openDir(t, PolicyKeep)
	rec, err := owner.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := rec.Write(testFrame(0)); err != nil {
		t.Fatal(err)
	}

	other := openDirAt(t, owner.Path(), PolicyKeep)
	if !owner.Exclusive() || other.Exclusive() {
		t.Fatalf("Exclusive = %v/%v, want true/false", owner.Exclusive(), other.Exclusive())
	}
	if _, err := other.Reconcile(context.Background()); !errors.Is(err, ErrLocked) {
		t.Errorf("Reconcile = %v, want ErrLocked", err)
	}
	if _, err := other.Open(context.Background()); !errors.Is(err, ErrLocked) || !errors.Is(err, ErrExhausted) {
		t.Errorf("Open = %v, want ErrLocked and ErrExhausted", err)
	}
	sealedElsewhere := writeFixture(t, owner, allocName(t, owner, KindSealed))
	if _, err := other.MarkUploaded(sealedElsewhere); !errors.Is(err, ErrLocked) {
		t.Errorf("MarkUploaded = %v, want ErrLocked", err)
	}

	// Read-only views still work and never show the lock file.
	rep, err := other.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Partials) != 1 || len(rep.Unrecognised) != 0 {
		t.Errorf("Scan: partials=%v unrecognised=%v", rep.Partials, rep.Unrecognised)
	}
	entries, err := other.List()
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name == lockName {
			t.Error("List reported the lock file")
		}
	}

	path, err := rec.Seal()
	if err != nil {
		t.Fatalf("Seal after refused reconcile: %v", err)
	}
	if !exists(path) {
		t.Errorf("sealed file %s missing", path)
	}

	if err := owner.Close(); err != nil {
		t.Fatal(err)
	}
	next := openDirAt(t, owner.Path(), PolicyKeep)
	if !next.Exclusive() {
		t.Error("lock not released by Close")
	}
}

func TestReconcile_RestartWithSealedAndPartial(t *testing.T) {
	t.Parallel()
	d := openDir(t, PolicyKeep)
	sealed := writeFixture(t, d, allocName(t, d, KindSealed))
	partName := allocName(t, d, KindPartial)
	writeFixture(t, d, partName)

	rep, err := d.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(rep.Sealed) != 1 || rep.Sealed[0] != sealed {
		t.Errorf("Sealed = %v, want only %s", rep.Sealed, sealed)
	}
	if len(rep.Partials) != 1 || len(rep.Kept) != 1 {
		t.Fatalf("Partials = %v, Kept = %v", rep.Partials, rep.Kept)
	}
	if exists(filepath.Join(d.Path(), partName)) || !exists(rep.Kept[0]) {
		t.Error("partial was not renamed to orphan")
	}
}

func TestReconcile_DeletePolicy(t *testing.T) {
	t.Parallel()
	d := openDir(t, PolicyDelete)
	part := writeFixture(t, d, allocName(t, d, KindPartial))

	rep, err := d.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if exists(part) || len(rep.Kept) != 0 || rep.Orphans != 0 {
		t.Errorf("partial not deleted: kept=%v orphans=%d", rep.Kept, rep.Orphans)
	}
}

func TestReconcile_IdempotentAndReportsUnrecognised(t *testing.T) {
	t.Parallel()
	d := openDir(t, PolicyKeep)
	var want []string
	for range 3 {
		want = append(want, writeFixture(t, d, allocName(t, d, KindSealed)))
	}
	writeFixture(t, d, allocName(t, d, KindUploaded))
	writeFixture(t, d, allocName(t, d, KindOrphan))
	junk := writeFixture(t, d, "notes.txt")
	if err := os.Mkdir(filepath.Join(d.Path(), "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	first, err := d.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	second, err := d.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(first.Sealed, want) || !slices.Equal(second.Sealed, want) {
		t.Errorf("Sealed = %v then %v, want %v", first.Sealed, second.Sealed, want)
	}
	if first.Uploaded != 1 || first.Orphans != 1 {
		t.Errorf("uploaded = %d orphans = %d, want 1 and 1", first.Uploaded, first.Orphans)
	}
	if len(first.Unrecognised) != 2 || !errors.Is(first.Err(), ErrUnrecognised) {
		t.Errorf("unrecognised = %v", first.Unrecognised)
	}
	if !exists(junk) {
		t.Error("unrecognised file was touched")
	}
}

func TestScan_DoesNotApplyPolicy(t *testing.T) {
	t.Parallel()
	d := openDir(t, PolicyDelete)
	part := writeFixture(t, d, allocName(t, d, KindPartial))
	rep, err := d.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Partials) != 1 || !exists(part) {
		t.Error("Scan should report partials without touching them")
	}
}

func TestMarkUploaded(t *testing.T) {
	t.Parallel()
	d := openDir(t, PolicyKeep)
	sealed := writeFixture(t, d, allocName(t, d, KindSealed))

	up1, err := d.MarkUploaded(sealed)
	if err != nil {
		t.Fatalf("MarkUploaded: %v", err)
	}
	up2, err := d.MarkUploaded(sealed)
	if err != nil {
		t.Fatalf("second MarkUploaded: %v", err)
	}
	up3, err := d.MarkUploaded(up1)
	if err != nil {
		t.Fatalf("MarkUploaded on uploaded path: %v", err)
	}
	if up1 != up2 || up2 != up3 || exists(sealed) || !exists(up1) {
		t.Errorf("paths %s %s %s", up1, up2, up3)
	}

	rep, _ := d.Scan()
	if len(rep.Sealed) != 0 || rep.Uploaded != 1 {
		t.Errorf("after upload: sealed=%v uploaded=%d", rep.Sealed, rep.Uploaded)
	}
}

func TestMarkUploaded_Rejects(t *testing.T) {
	t.Parallel()
	d := openDir(t, PolicyKeep)
	part := writeFixture(t, d, allocName(t, d, KindPartial))

	if _, err := d.MarkUploaded(part); !errors.Is(err, ErrNotSealed) {
		t.Errorf("partial: err = %v, want ErrNotSealed", err)
	}
	if _, err := d.MarkUploaded(filepath.Join(d.Path(), "notes.txt")); !errors.Is(err, ErrUnrecognised) {
		t.Errorf("junk: err = %v, want ErrUnrecognised", err)
	}
	other := filepath.Join(t.TempDir(), allocName(t, d, KindSealed))
	if _, err := d.MarkUploaded(other); err == nil {
		t.Error("path outside the directory should be rejected")
	}
	missing := filepath.Join(d.Path(), allocName(t, d, KindSealed))
	if _, err := d.MarkUploaded(missing); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing: err = %v, want ErrNotExist", err)
	}
}

func TestList(t *testing.T) {
	t.Parallel()
	d := openDir(t, PolicyKeep)
	names := []string{
		allocName(t, d, KindSealed),
		allocName(t, d, KindUploaded),
		allocName(t, d, KindPartial),
	}
	for _, n := range names {
		writeFixture(t, d, n)
	}
	writeFixture(t, d, "zz.txt")

	entries, err := d.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4", len(entries))
	}
	wantKinds := []Kind{KindSealed, KindUploaded, KindPartial, KindUnrecognised}
	for i, e := range entries {
		if e.Kind != wantKinds[i] {
			t.Errorf("entry %d (%s): kind %v, want %v", i, e.Name, e.Kind, wantKinds[i])
		}
		if e.Size != 1 {
			t.Errorf("entry %d size = %d", i, e.Size)
		}
	}
	if entries[0].Created.IsZero() {
		t.Error("Created not derived from ID")
	}
}
