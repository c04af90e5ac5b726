package pipeline

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/local/pdftools/internal/codec/codectest"
	"github.com/local/pdftools/internal/pagerange"
	"github.com/local/pdftools/internal/quality"
	"github.com/local/pdftools/internal/transcode"
)

func pageIDs(t *testing.T, data []byte) []string {
	t.Helper()
	pages, err := codectest.Read(data)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	ids := make([]string, len(pages))
	for i, p := range pages {
		ids[i] = p.ID
	}
	return ids
}

func TestCompressAccepted(t *testing.T) {
	fake := &codectest.Codec{OutputSize: 300000}
	input := codectest.Doc(500000, codectest.Pages("p", 3, 612, 792)...)

	var progress []int
	res, err := New(fake).Compress(context.Background(), input, quality.Recommended, func(p int) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if !res.Accepted {
		t.Fatal("Expected accepted result")
	}
	if res.OriginalSize != 500000 || res.CandidateSize != 300000 {
		t.Errorf("Expected sizes 500000/300000, got %d/%d", res.OriginalSize, res.CandidateSize)
	}
	if len(res.Bytes) != 300000 {
		t.Errorf("Expected 300000 output bytes, got %d", len(res.Bytes))
	}
	if res.Pages != 3 {
		t.Errorf("Expected 3 pages, got %d", res.Pages)
	}
	if res.SmallInput {
		t.Error("Expected a 500 KB input not to be flagged small")
	}
	if !reflect.DeepEqual(progress, []int{33, 67, 100}) {
		t.Errorf("Expected progress [33 67 100], got %v", progress)
	}
	if got := res.Message(); got != "reduced from 488.28 KB to 292.97 KB" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestCompressRejectedReturnsOriginal(t *testing.T) {
	fake := &codectest.Codec{OutputSize: 40000}
	input := codectest.Doc(10000, codectest.Pages("p", 1, 612, 792)...)
	orig := append([]byte(nil), input...)

	res, err := New(fake).Compress(context.Background(), input, quality.Recommended, nil)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if res.Accepted {
		t.Fatal("Expected rejected result")
	}
	if !bytes.Equal(res.Bytes, orig) {
		t.Error("Expected the original bytes back unchanged")
	}
	if res.OriginalSize != 10000 || res.CandidateSize != 40000 {
		t.Errorf("Expected sizes 10000/40000, got %d/%d", res.OriginalSize, res.CandidateSize)
	}
	if !res.SmallInput {
		t.Error("Expected a 10 KB input to be flagged small")
	}
}

func TestCompressUsesProfile(t *testing.T) {
	tests := []struct {
		setting quality.Setting
		scale   float64
		quality float64
	}{
		{quality.Max, 1.0, 0.4},
		{quality.Recommended, 1.5, 0.6},
		{quality.Low, 1.5, 0.8},
	}
	for _, tt := range tests {
		t.Run(string(tt.setting), func(t *testing.T) {
			fake := &codectest.Codec{}
			input := codectest.Doc(0, codectest.Pages("p", 2, 100, 100)...)
			res, err := New(fake).Compress(context.Background(), input, tt.setting, nil)
			if err != nil {
				t.Fatalf("compress: %v", err)
			}
			if res.Profile.Scale != tt.scale || res.Profile.Quality != tt.quality {
				t.Errorf("Expected profile %v/%v, got %+v", tt.scale, tt.quality, res.Profile)
			}
			for _, s := range fake.Scales() {
				if s != tt.scale {
					t.Errorf("Expected render scale %v, got %v", tt.scale, s)
				}
			}
			for _, q := range fake.Qualities() {
				if q != tt.quality {
					t.Errorf("Expected encode quality %v, got %v", tt.quality, q)
				}
			}
		})
	}
}

func TestCompressStates(t *testing.T) {
	var states []State
	e := New(&codectest.Codec{OutputSize: 10}, WithStateFunc(func(op string, s State) {
		if op != "compress" {
			t.Errorf("unexpected op %q", op)
		}
		states = append(states, s)
	}))
	input := codectest.Doc(5000, codectest.Pages("p", 2, 100, 100)...)
	if _, err := e.Compress(context.Background(), input, quality.Default, nil); err != nil {
		t.Fatalf("compress: %v", err)
	}
	want := []State{Loading, Transcoding, Assembling, Guarding, Accepted}
	if !reflect.DeepEqual(states, want) {
		t.Errorf("Expected %v, got %v", want, states)
	}
	if !states[len(states)-1].Terminal() {
		t.Error("Expected the last state to be terminal")
	}
}

func TestCompressFailures(t *testing.T) {
	t.Run("not a pdf", func(t *testing.T) {
		_, err := New(&codectest.Codec{}).Compress(context.Background(), []byte("hello world"), quality.Default, nil)
		if !errors.Is(err, ErrInvalidDocument) {
			t.Fatalf("Expected ErrInvalidDocument, got %v", err)
		}
		if Reason(err) != "invalid_file" {
			t.Errorf("Expected reason invalid_file, got %s", Reason(err))
		}
	})

	t.Run("empty", func(t *testing.T) {
		_, err := New(&codectest.Codec{}).Compress(context.Background(), nil, quality.Default, nil)
		if !errors.Is(err, ErrInvalidDocument) {
			t.Errorf("Expected ErrInvalidDocument, got %v", err)
		}
	})

	t.Run("unparseable pdf", func(t *testing.T) {
		_, err := New(&codectest.Codec{}).Compress(context.Background(), []byte("%PDF-1.4\ntruncated"), quality.Default, nil)
		if !errors.Is(err, ErrInvalidDocument) {
			t.Errorf("Expected ErrInvalidDocument, got %v", err)
		}
	})

	t.Run("protected", func(t *testing.T) {
		fake := &codectest.Codec{}
		locked, err := New(fake).Protect(context.Background(), codectest.Doc(0, codectest.Pages("p", 1, 100, 100)...), "secret")
		if err != nil {
			t.Fatalf("protect: %v", err)
		}
		_, err = New(fake).Compress(context.Background(), locked, quality.Default, nil)
		if !errors.Is(err, ErrProtected) {
			t.Errorf("Expected ErrProtected, got %v", err)
		}
	})

	t.Run("render failure", func(t *testing.T) {
		fake := &codectest.Codec{RenderErr: map[int]error{0: errors.New("bad content stream")}}
		input := codectest.Doc(0, codectest.Pages("p", 2, 100, 100)...)
		res, err := New(fake).Compress(context.Background(), input, quality.Default, nil)
		if res != nil {
			t.Error("Expected no result on failure")
		}
		if !errors.Is(err, ErrCodecFailure) || !errors.Is(err, transcode.ErrRenderFailed) {
			t.Errorf("Expected codec failure wrapping render failure, got %v", err)
		}
		if Reason(err) != "codec_failure" {
			t.Errorf("Expected reason codec_failure, got %s", Reason(err))
		}
	})
}

func TestCompressCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var last State
	fake := &codectest.Codec{}
	e := New(fake, WithStateFunc(func(_ string, s State) { last = s }))
	input := codectest.Doc(0, codectest.Pages("p", 3, 100, 100)...)

	_, err := e.Compress(ctx, input, quality.Default, nil)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Expected ErrCancelled, got %v", err)
	}
	if errors.Is(err, ErrCodecFailure) {
		t.Error("Expected cancellation not to be reported as a codec failure")
	}
	if Reason(err) != "cancelled" {
		t.Errorf("Expected reason cancelled, got %s", Reason(err))
	}
	if last != Cancelled {
		t.Errorf("Expected final state cancelled, got %s", last)
	}
	if len(fake.Rendered()) != 0 {
		t.Errorf("Expected no page rendered, got %v", fake.Rendered())
	}
}

func TestMerge(t *testing.T) {
	fake := &codectest.Codec{}
	a := codectest.Doc(0, codectest.Pages("a", 2, 612, 792)...)
	b := codectest.Doc(0, codectest.Pages("b", 3, 400, 200)...)

	out, err := New(fake).Merge(context.Background(), a, b)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	got := pageIDs(t, out)
	want := []string{"a-0", "a-1", "b-0", "b-1", "b-2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	// never size-guarded: a merged file is returned even when it grows
	if len(out) <= len(a) {
		t.Errorf("Expected merged output larger than the primary input")
	}
}

func TestMergeRejectsInvalidSecondary(t *testing.T) {
	fake := &codectest.Codec{}
	a := codectest.Doc(0, codectest.Pages("a", 2, 612, 792)...)
	_, err := New(fake).Merge(context.Background(), a, []byte("GIF89a"))
	if !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("Expected ErrInvalidDocument, got %v", err)
	}
}

func TestSplit(t *testing.T) {
	fake := &codectest.Codec{}
	input := codectest.Doc(0, codectest.Pages("p", 5, 612, 792)...)

	tests := []struct {
		expr string
		want []string
	}{
		{"3,1-2", []string{"p-2", "p-0", "p-1"}},
		{"1-3, 5", []string{"p-0", "p-1", "p-2", "p-4"}},
		{"1,1,2", []string{"p-0", "p-1"}},
		{"4-99", []string{"p-3", "p-4"}},
		{"x, 2", []string{"p-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			out, err := New(fake).Split(context.Background(), input, tt.expr)
			if err != nil {
				t.Fatalf("split: %v", err)
			}
			if got := pageIDs(t, out); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSplitInvalidRange(t *testing.T) {
	fake := &codectest.Codec{}
	input := codectest.Doc(0, codectest.Pages("p", 5, 612, 792)...)

	for _, expr := range []string{"", "0-0", "9", "abc"} {
		_, err := New(fake).Split(context.Background(), input, expr)
		if !errors.Is(err, ErrInvalidRange) || !errors.Is(err, pagerange.ErrEmpty) {
			t.Errorf("%q: Expected ErrInvalidRange, got %v", expr, err)
		}
		if Reason(err) != "invalid_range" {
			t.Errorf("%q: Expected reason invalid_range, got %s", expr, Reason(err))
		}
	}
}

func TestProtectUnprotect(t *testing.T) {
	fake := &codectest.Codec{}
	input := codectest.Doc(0, codectest.Pages("p", 2, 612, 792)...)
	e := New(fake)

	locked, err := e.Protect(context.Background(), input, "hunter2")
	if err != nil {
		t.Fatalf("protect: %v", err)
	}
	if _, err := e.Unprotect(context.Background(), locked, "wrong"); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("Expected ErrWrongPassword, got %v", err)
	}
	open, err := e.Unprotect(context.Background(), locked, "hunter2")
	if err != nil {
		t.Fatalf("unprotect: %v", err)
	}
	if got := pageIDs(t, open); !reflect.DeepEqual(got, []string{"p-0", "p-1"}) {
		t.Errorf("Expected both pages back, got %v", got)
	}

	if _, err := e.Protect(context.Background(), input, ""); !errors.Is(err, ErrPasswordRequired) {
		t.Errorf("Expected ErrPasswordRequired, got %v", err)
	}
	if _, err := e.Unprotect(context.Background(), locked, ""); !errors.Is(err, ErrPasswordRequired) {
		t.Errorf("Expected ErrPasswordRequired, got %v", err)
	}
	if _, err := e.Unprotect(context.Background(), []byte("plain text"), "x"); !errors.Is(err, ErrInvalidDocument) {
		t.Errorf("Expected ErrInvalidDocument, got %v", err)
	}
}

func TestExportImages(t *testing.T) {
	fake := &codectest.Codec{ImageLen: 40}
	input := codectest.Doc(0, codectest.Pages("p", 3, 612, 792)...)

	var progress []int
	out, err := New(fake).ExportImages(context.Background(), input, quality.Resolve(quality.Max), func(p int) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(out), int64(len(out)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		if f.UncompressedSize64 != 40 {
			t.Errorf("%s: expected 40 bytes, got %d", f.Name, f.UncompressedSize64)
		}
	}
	if want := []string{"page-001.jpg", "page-002.jpg", "page-003.jpg"}; !reflect.DeepEqual(names, want) {
		t.Errorf("Expected %v, got %v", want, names)
	}
	if !reflect.DeepEqual(progress, []int{33, 67, 100}) {
		t.Errorf("Expected progress [33 67 100], got %v", progress)
	}
	for _, s := range fake.Scales() {
		if s != 1.0 {
			t.Errorf("Expected scale 1.0 for max, got %v", s)
		}
	}
}

func TestPageCount(t *testing.T) {
	n, err := New(&codectest.Codec{}).PageCount(codectest.Doc(0, codectest.Pages("p", 7, 10, 10)...))
	if err != nil {
		t.Fatalf("page count: %v", err)
	}
	if n != 7 {
		t.Errorf("Expected 7 pages, got %d", n)
	}
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{ErrCancelled, "cancelled"},
		{ErrInvalidRange, "invalid_range"},
		{ErrWrongPassword, "wrong_password"},
		{ErrPasswordRequired, "password_required"},
		{ErrProtected, "protected"},
		{ErrInvalidDocument, "invalid_file"},
		{ErrCodecFailure, "codec_failure"},
		{errors.New("disk full"), "internal"},
	}
	for _, tt := range tests {
		if got := Reason(tt.err); got != tt.want {
			t.Errorf("Reason(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
	if !IsInputError(ErrInvalidRange) || IsInputError(ErrCodecFailure) {
		t.Error("unexpected IsInputError classification")
	}
}

func TestStateString(t *testing.T) {
	if Transcoding.String() != "transcoding" || Rejected.String() != "rejected" {
		t.Error("unexpected state names")
	}
	if State(99).String() != "unknown" {
		t.Error("Expected unknown for an out-of-range state")
	}
	if Loading.Terminal() || !Done.Terminal() {
		t.Error("unexpected Terminal result")
	}
}
