package output

import (
	"bytes"
	"strings"
	"testing"
)

func TestFormatterTextAndLine(t *testing.T) {
	var buf bytes.Buffer
	f := New(&buf)

	f.Textln("hello %s", "world")
	f.Line()
	f.Print("a", "b")

	got := buf.String()
	if !strings.Contains(got, "hello world\n") {
		t.Errorf("output = %q, missing textln content", got)
	}
}

func TestFormatterJSONMode(t *testing.T) {
	var buf bytes.Buffer
	f := New(&buf)
	f.SetJSON(true)
	if !f.JSON() {
		t.Fatal("expected JSON() to be true after SetJSON(true)")
	}

	if err := f.PrintJSON(map[string]string{"status": "online"}); err != nil {
		t.Fatalf("PrintJSON: %v", err)
	}
	if !strings.Contains(buf.String(), `"status": "online"`) {
		t.Errorf("output = %q, want status field", buf.String())
	}
}

func TestTableRender(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTable(&buf, "NAME", "STATUS")
	tbl.AddRow("web", "online")
	tbl.AddRow("worker", "stopped")
	tbl.Render()

	got := buf.String()
	if !strings.Contains(got, "NAME") || !strings.Contains(got, "web") || !strings.Contains(got, "stopped") {
		t.Errorf("table output missing expected content: %q", got)
	}
}

func TestTruncateRespectsEllipsis(t *testing.T) {
	if got := Truncate("hello world", 8); got != "hello..." {
		t.Errorf("Truncate = %q, want %q", got, "hello...")
	}
}

func TestFormatRSS(t *testing.T) {
	cases := map[int64]string{
		512:                    "512B",
		2048:                   "2.0K",
		5 * 1024 * 1024:        "5.0M",
		3 * 1024 * 1024 * 1024: "3.0G",
	}
	for bytes, want := range cases {
		if got := FormatRSS(bytes); got != want {
			t.Errorf("FormatRSS(%d) = %q, want %q", bytes, got, want)
		}
	}
}

func TestCountStrPluralizes(t *testing.T) {
	if got := CountStr(1, "process", "processes"); got != "1 process" {
		t.Errorf("CountStr(1) = %q", got)
	}
	if got := CountStr(3, "process", "processes"); got != "3 processes" {
		t.Errorf("CountStr(3) = %q", got)
	}
}
