package manifest

import (
	"reflect"
	"testing"
)

func TestDiff(t *testing.T) {
	previous := sampleManifest()
	current := sampleManifest()
	current.Tools[0].Version = "2"
	current.Tools = current.Tools[:1]
	current.Tools = append(current.Tools, ToolDescriptor{ID: "added", Name: "Added", CategoryID: "disk", PayloadRef: "a.sh", Version: "1"})

	got := Diff(&previous, &current)
	want := Changes{
		Added:          []string{"added"},
		Removed:        []string{"dns-flush"},
		VersionChanged: []string{"disk-cleanup"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Diff() = %+v, want %+v", got, want)
	}
	if got.Empty() {
		t.Fatal("Empty() = true, want false")
	}
}

func TestDiffNilPreviousReportsAllAdded(t *testing.T) {
	current := sampleManifest()
	got := Diff(nil, &current)
	if !reflect.DeepEqual(got.Added, []string{"disk-cleanup", "dns-flush"}) {
		t.Fatalf("Added = %v", got.Added)
	}
	if len(got.Removed) != 0 || len(got.VersionChanged) != 0 {
		t.Fatalf("unexpected changes %+v", got)
	}
}

func TestDiffIdenticalIsEmpty(t *testing.T) {
	a := sampleManifest()
	b := sampleManifest()
	if d := Diff(&a, &b); !d.Empty() {
		t.Fatalf("Diff() = %+v, want empty", d)
	}
}
