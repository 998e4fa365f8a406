package devcfg

import "testing"

func TestParseSplitsOnFirstEquals(t *testing.T) {
	a := Parse("img=disk.raw,mode=ro,hostfwd=2222:22")
	if a["img"] != "disk.raw" || a["mode"] != "ro" || a["hostfwd"] != "2222:22" {
		t.Fatalf("unexpected parse result: %+v", a)
	}
}

func TestParseIgnoresEntriesWithoutEquals(t *testing.T) {
	a := Parse("img=disk.raw,ro,mode=snapshot")
	if _, ok := a["ro"]; ok {
		t.Fatal("bare 'ro' token should not become a key")
	}
	if a["mode"] != "snapshot" {
		t.Fatalf("mode = %q, want snapshot", a["mode"])
	}
}

func TestParseEmptyString(t *testing.T) {
	a := Parse("")
	if len(a) != 0 {
		t.Fatalf("expected empty Args, got %+v", a)
	}
}

func TestRequireMissingKeyErrors(t *testing.T) {
	a := Parse("mode=ro")
	if _, err := a.Require("img"); err == nil {
		t.Fatal("expected error for missing 'img'")
	}
}

func TestRequirePresentKey(t *testing.T) {
	a := Parse("img=disk.raw")
	v, err := a.Require("img")
	if err != nil || v != "disk.raw" {
		t.Fatalf("Require(img) = %q, %v", v, err)
	}
}

func TestGetFallsBackToDefault(t *testing.T) {
	a := Parse("img=disk.raw")
	if got := a.Get("mode", "rw"); got != "rw" {
		t.Fatalf("Get(mode) = %q, want rw", got)
	}
}
