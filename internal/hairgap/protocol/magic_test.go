package protocol

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		head []byte
		want Kind
	}{
		{"index", MagicIndex, Index},
		{"empty", MagicEmpty, Empty},
		{"escape", MagicEscape, Escape},
		{"plain", []byte("hello world"), Plain},
		{"short", []byte("hi"), Plain},
		{"nil", nil, Plain},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.head); got != tc.want {
				t.Errorf("Classify(%q) = %v, want %v", tc.head, got, tc.want)
			}
		})
	}
}

func TestEncodeFileForSendPlain(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	want := []byte("ordinary file content\n")
	if err := os.WriteFile(src, want, 0o600); err != nil {
		t.Fatal(err)
	}

	scratch := filepath.Join(dir, "scratch")
	if err := EncodeFileForSend(src, scratch); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(scratch)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("scratch content = %q, want %q", got, want)
	}
}

func TestEncodeFileForSendEmpty(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "empty.txt")
	if err := os.WriteFile(src, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	scratch := filepath.Join(dir, "scratch")
	if err := EncodeFileForSend(src, scratch); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(scratch)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, MagicEmpty) {
		t.Errorf("scratch content = %q, want MagicEmpty", got)
	}
}

func TestEncodeFileForSendCollision(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "collide.txt")
	original := append(append([]byte{}, MagicIndex...), []byte("payload that happens to start with the index magic")...)
	if err := os.WriteFile(src, original, 0o600); err != nil {
		t.Fatal(err)
	}

	scratch := filepath.Join(dir, "scratch")
	if err := EncodeFileForSend(src, scratch); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(scratch)
	if err != nil {
		t.Fatal(err)
	}
	want := append(append([]byte{}, MagicEscape...), original...)
	if !bytes.Equal(got, want) {
		t.Errorf("scratch content mismatch for colliding payload")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	dir := t.TempDir()

	cases := map[string][]byte{
		"plain.txt":   []byte("just some bytes\nwith a newline"),
		"empty.txt":   nil,
		"collide.txt": append(append([]byte{}, MagicEscape...), []byte("nested escape content")...),
	}

	for name, content := range cases {
		src := filepath.Join(dir, name)
		if err := os.WriteFile(src, content, 0o600); err != nil {
			t.Fatal(err)
		}

		scratch := filepath.Join(dir, name+".wire")
		if err := EncodeFileForSend(src, scratch); err != nil {
			t.Fatalf("%s: encode: %v", name, err)
		}

		kind, rc, err := DecodeReceived(scratch)
		if err != nil {
			t.Fatalf("%s: decode: %v", name, err)
		}
		got := readAllClose(t, rc)

		if len(content) == 0 {
			if kind != Empty {
				t.Errorf("%s: kind = %v, want Empty", name, kind)
			}
		}
		if !bytes.Equal(got, content) {
			t.Errorf("%s: round trip mismatch: got %q want %q", name, got, content)
		}
	}
}

func TestEncodeIndexAndDecode(t *testing.T) {
	dir := t.TempDir()
	manifestText := []byte("# *-* HAIRGAP-INDEX *-*\n[hairgap]\nuid = abc\n[files]\n")

	wire := EncodeIndex(manifestText)
	path := filepath.Join(dir, "index.wire")
	if err := os.WriteFile(path, wire, 0o600); err != nil {
		t.Fatal(err)
	}

	kind, rc, err := DecodeReceived(path)
	if err != nil {
		t.Fatal(err)
	}
	if kind != Index {
		t.Fatalf("kind = %v, want Index", kind)
	}
	got := readAllClose(t, rc)
	if !bytes.Equal(got, manifestText) {
		t.Errorf("decoded index payload = %q, want %q", got, manifestText)
	}
}

func TestDecodeToFileLarge(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "big.txt")

	f, err := os.Create(src)
	if err != nil {
		t.Fatal(err)
	}
	line := []byte("the quick brown fox jumps over the lazy dog\n")
	for i := 0; i < 200_000; i++ {
		if _, err := f.Write(line); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	wantSum, err := HashFile(src)
	if err != nil {
		t.Fatal(err)
	}

	scratch := filepath.Join(dir, "scratch")
	if err := EncodeFileForSend(src, scratch); err != nil {
		t.Fatal(err)
	}

	staged := filepath.Join(dir, "staged")
	gotSum, size, err := DecodeToFile(scratch, staged, Plain)
	if err != nil {
		t.Fatal(err)
	}
	if gotSum != wantSum {
		t.Errorf("sha256 = %s, want %s", gotSum, wantSum)
	}
	info, err := os.Stat(src)
	if err != nil {
		t.Fatal(err)
	}
	if size != info.Size() {
		t.Errorf("decoded size = %d, want %d", size, info.Size())
	}
}

func readAllClose(t *testing.T, rc io.ReadCloser) []byte {
	t.Helper()
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
