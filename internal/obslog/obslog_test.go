package obslog

import "testing"

func TestParseLevelDefaultsToInfo(t *testing.T) {
	if ParseLevel("bogus") != LevelInfo {
		t.Fatalf("expected unrecognized level to default to info")
	}
	if ParseLevel("debug") != LevelDebug {
		t.Fatalf("expected debug to parse")
	}
}

func TestWithComponentPreservesLevel(t *testing.T) {
	l := New("coordinator", LevelWarning)
	child := l.WithComponent("reader")
	if child.level != LevelWarning {
		t.Fatalf("expected child logger to keep parent level")
	}
	if child.component != "reader" {
		t.Fatalf("expected child component to change")
	}
}
