package progress

import (
	"reflect"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		line     string
		expected Signal
	}{
		{
			"[download]  42.5% of 3.21MiB at 1.02MiB/s ETA 00:02",
			Signal{Kind: Percent, Value: 42.5, Text: "[download]  42.5% of 3.21MiB at 1.02MiB/s ETA 00:02"},
		},
		{
			"[download] 100% of 3.21MiB in 00:03",
			Signal{Kind: Percent, Value: 100, Text: "[download] 100% of 3.21MiB in 00:03"},
		},
		{
			"  [download]   7.% of ~ 1MiB  ",
			Signal{Kind: Percent, Value: 7, Text: "[download]   7.% of ~ 1MiB"},
		},
		{
			"ERROR: [youtube] A: Video unavailable",
			Signal{Kind: Warning, Text: "ERROR: [youtube] A: Video unavailable"},
		},
		{
			"[download] /downloads/Song.wav has already been downloaded",
			Signal{Kind: AlreadyDownloaded, Text: "[download] /downloads/Song.wav has already been downloaded"},
		},
		{
			"[ffmpeg] Destination: /downloads/Song.wav",
			Signal{Kind: DestinationFile, Text: "[ffmpeg] Destination: /downloads/Song.wav", Path: "/downloads/Song.wav"},
		},
		{
			"[ExtractAudio] Destination: /downloads/My Song.wav ",
			Signal{Kind: DestinationFile, Text: "[ExtractAudio] Destination: /downloads/My Song.wav", Path: "/downloads/My Song.wav"},
		},
		// percent without a download marker
		{
			"[info] 50% sure",
			Signal{Kind: Unclassified, Text: "[info] 50% sure"},
		},
		// download marker without a percentage
		{
			"[download] Destination: /downloads/Song.webm",
			Signal{Kind: Unclassified, Text: "[download] Destination: /downloads/Song.webm"},
		},
		{
			"[download] %(title)s template",
			Signal{Kind: Unclassified, Text: "[download] %(title)s template"},
		},
		{
			"[ffmpeg] Destination:   ",
			Signal{Kind: Unclassified, Text: "[ffmpeg] Destination:"},
		},
		{"", Signal{Kind: Unclassified}},
		{"\x00\xff garbage", Signal{Kind: Unclassified, Text: "\x00\xff garbage"}},
	}

	for _, tc := range cases {
		actual := Classify(tc.line)
		if !reflect.DeepEqual(actual, tc.expected) {
			t.Errorf("Classify(%q): expected %+v, got %+v", tc.line, tc.expected, actual)
		}
	}
}

func TestClassifyPriority(t *testing.T) {
	// The download percentage wins over the error marker.
	s := Classify("[download] ERROR: 12.0% failed")
	if s.Kind != Percent || s.Value != 12 {
		t.Errorf("Expected percent 12, got %+v", s)
	}

	// The error marker wins over the already downloaded marker.
	s = Classify("ERROR: file has already been downloaded")
	if s.Kind != Warning {
		t.Errorf("Expected warning, got %+v", s)
	}
}

func TestCounter(t *testing.T) {
	var c Counter

	lines := []string{
		"[download]  10.0% of 1MiB",
		"[download] a.wav has already been downloaded",
		"[download] b.wav has already been downloaded",
		"ERROR: something",
		"[ffmpeg] Destination: /d/a.wav",
		"[download]  55.5% of 1MiB",
		"random",
	}
	for _, l := range lines {
		c.Add(Classify(l))
	}

	if c.SuccessCount != 2 {
		t.Errorf("Expected SuccessCount 2, got %d", c.SuccessCount)
	}
	if c.ErrorCount != 1 {
		t.Errorf("Expected ErrorCount 1, got %d", c.ErrorCount)
	}
	if c.Destination != "/d/a.wav" {
		t.Errorf("Expected destination /d/a.wav, got %s", c.Destination)
	}
	if c.LastPercent != 55.5 {
		t.Errorf("Expected last percent 55.5, got %v", c.LastPercent)
	}

	// exactly one increment per already downloaded line
	before := c.SuccessCount
	c.Add(Classify("[download] c.wav has already been downloaded"))
	if c.SuccessCount != before+1 {
		t.Errorf("Expected SuccessCount %d, got %d", before+1, c.SuccessCount)
	}
}

func TestIsAuthFailure(t *testing.T) {
	tc := map[string]bool{
		"ERROR: [youtube] A: Sign in to confirm you're not a bot": true,
		"ERROR: unable to download video data: HTTP Error 403: Forbidden": true,
		"ERROR: [youtube] A: Video unavailable":                          false,
		"":                                                               false,
	}
	for stderr, expected := range tc {
		if actual := IsAuthFailure(stderr); actual != expected {
			t.Errorf("IsAuthFailure(%q): expected %v, got %v", stderr, expected, actual)
		}
	}
}

func TestLineSplitter(t *testing.T) {
	var s LineSplitter

	lines := s.Write([]byte("[download]   1.0%\r[download]   2.0%\r[down"))
	expected := []string{"[download]   1.0%", "[download]   2.0%"}
	if !reflect.DeepEqual(lines, expected) {
		t.Fatalf("Expected %v, got %v", expected, lines)
	}

	lines = s.Write([]byte("load]   3.0%\n\nERROR: x\r\n"))
	expected = []string{"[download]   3.0%", "ERROR: x"}
	if !reflect.DeepEqual(lines, expected) {
		t.Fatalf("Expected %v, got %v", expected, lines)
	}

	if lines = s.Write([]byte("tail")); lines != nil {
		t.Fatalf("Expected no complete lines, got %v", lines)
	}
	if lines = s.Flush(); !reflect.DeepEqual(lines, []string{"tail"}) {
		t.Fatalf("Expected flushed tail, got %v", lines)
	}
	if lines = s.Flush(); lines != nil {
		t.Fatalf("Expected nothing after flush, got %v", lines)
	}
}
