package envconfig

import (
	"testing"
)

func TestConfig(t *testing.T) {
	Debug = false
	t.Setenv("CLASP_DEBUG", "")
	LoadConfig()
	if Debug {
		t.Fatal("expected debug to be disabled by default")
	}

	t.Setenv("CLASP_DEBUG", "false")
	LoadConfig()
	if Debug {
		t.Fatal("expected debug to be false")
	}

	t.Setenv("CLASP_DEBUG", "1")
	LoadConfig()
	if !Debug {
		t.Fatal("expected debug to be true")
	}

	t.Setenv("CLASP_DEBUG", "yes")
	LoadConfig()
	if !Debug {
		t.Fatal("expected invalid value to enable debug")
	}
}

func TestHost(t *testing.T) {
	t.Setenv("CLASP_HOST", "0.0.0.0")
	LoadConfig()
	if Host != "0.0.0.0:11435" {
		t.Fatalf("expected default port to be appended, got %q", Host)
	}

	t.Setenv("CLASP_HOST", "127.0.0.1:8080")
	LoadConfig()
	if Host != "127.0.0.1:8080" {
		t.Fatalf("expected host to be preserved, got %q", Host)
	}
}

func TestNumParallel(t *testing.T) {
	NumParallel = 1
	t.Setenv("CLASP_NUM_PARALLEL", "4")
	LoadConfig()
	if NumParallel != 4 {
		t.Fatalf("expected 4, got %d", NumParallel)
	}

	t.Setenv("CLASP_NUM_PARALLEL", "0")
	LoadConfig()
	if NumParallel != 4 {
		t.Fatalf("expected invalid value to be ignored, got %d", NumParallel)
	}
}
