package mimetype

import (
	"bytes"
	"encoding/binary"
	"io"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"
)

var detector *Detector

func init() {
	var err error
	detector, err = New()
	if err != nil {
		log.Println("Could not create detector:", err)
		os.Exit(1)
	}
}

// wavHeader returns a minimal RIFF/WAVE header followed by silence.
func wavHeader() []byte {
	var b bytes.Buffer
	b.WriteString("RIFF")
	binary.Write(&b, binary.LittleEndian, uint32(36+2048))
	b.WriteString("WAVEfmt ")
	binary.Write(&b, binary.LittleEndian, uint32(16))
	binary.Write(&b, binary.LittleEndian, uint16(1))     // PCM
	binary.Write(&b, binary.LittleEndian, uint16(2))     // channels
	binary.Write(&b, binary.LittleEndian, uint32(44100)) // sample rate
	binary.Write(&b, binary.LittleEndian, uint32(44100*4))
	binary.Write(&b, binary.LittleEndian, uint16(4))
	binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	binary.Write(&b, binary.LittleEndian, uint32(2048))
	b.Write(make([]byte, 2048))
	return b.Bytes()
}

func TestDetectAudio(t *testing.T) {
	mime, err := detector.Read(bytes.NewReader(wavHeader()))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(mime, "audio/") {
		t.Errorf("Expected an audio mime type, got %s", mime)
	}
}

func TestDetectMultipleReads(t *testing.T) {
	mime, err := detector.Read(iotest.OneByteReader(bytes.NewReader(wavHeader())))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(mime, "audio/") {
		t.Errorf("Expected an audio mime type, got %s", mime)
	}
}

func TestDetectEmpty(t *testing.T) {
	mime, err := detector.Read(bytes.NewReader(nil))
	if err != nil {
		t.Fatal(err)
	}
	if mime != emptyType {
		t.Errorf("Expected %s, got %s", emptyType, mime)
	}
}

func TestDetectFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "extractor-mimetype-")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "notes.txt")
	err = ioutil.WriteFile(path, []byte("just some plain text\nover two lines\n"), 0644)
	if err != nil {
		t.Fatal(err)
	}

	mime, err := detector.File(path)
	if err != nil {
		t.Fatal(err)
	}
	if mime != "text/plain" {
		t.Errorf("Expected text/plain, got %s", mime)
	}

	if _, err = detector.File(filepath.Join(dir, "missing")); err == nil {
		t.Error("Expected error for missing file")
	}
}

type unexpectedReader struct{}

func (p unexpectedReader) Read(buf []byte) (int, error) {
	return 0, io.ErrClosedPipe
}

func TestReadError(t *testing.T) {
	var in unexpectedReader
	if _, err := detector.Read(in); err != io.ErrClosedPipe {
		t.Fatalf("Expected read error, got %v", err)
	}
}

func TestParseMatcher(t *testing.T) {
	tc := map[string]bool{
		"[]a]":                 false,
		"\\":                   false,
		"":                     true,
		"audio/*":              true,
		"!audio/webm":          true,
		"!audio/webm, audio/*": true,
		"audio/*,,":            true,
	}

	for patterns, expected := range tc {
		_, err := ParseMatcher(patterns)
		valid := err == nil
		if expected != valid {
			t.Fatal(patterns, err)
		}
	}
}

func TestMatch(t *testing.T) {
	m, err := ParseMatcher("audio/*,!audio/webm")
	if err != nil {
		t.Fatal(err)
	}

	tc := map[string]bool{
		"audio/x-wav": true,
		"audio/mpeg":  true,
		"audio/webm":  false,
		"text/plain":  false,
	}
	for mime, expected := range tc {
		if actual := m.Match(mime); actual != expected {
			t.Errorf("Match(%s): expected %v, got %v", mime, expected, actual)
		}
	}

	empty, _ := ParseMatcher("")
	if !empty.Match("anything/at-all") {
		t.Error("Expected empty matcher to match everything")
	}
}

func TestCheck(t *testing.T) {
	check := Check{"audio/webm", true}
	if check.IsValid("audio/webm") {
		t.Fatal("Should be invalid")
	}
}
