package pathutil_test

import (
	"testing"

	"github.com/cachekeeper/worker/internal/pathutil"
)

func TestSplit_Cases(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		stem    string
		ext     string
		hasExt  bool
	}{
		{name: "artifact", stem: "artifact", ext: "", hasExt: false},
		{name: "artifact.stats", stem: "artifact", ext: "stats", hasExt: true},
		{name: "artifact.wip-1234", stem: "artifact", ext: "wip-1234", hasExt: true},
		{name: ".cleanup", stem: ".cleanup", ext: "", hasExt: false},
		{name: ".cleanup.wip-1234", stem: ".cleanup", ext: "wip-1234", hasExt: true},
		{name: ".hidden", stem: ".hidden", ext: "", hasExt: false},
		{name: "archive.tar.gz", stem: "archive.tar", ext: "gz", hasExt: true},
	}

	for _, tc := range cases {
		stem, ext, hasExt := pathutil.Split(tc.name)

		if stem != tc.stem || ext != tc.ext || hasExt != tc.hasExt {
			t.Errorf("Split(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.name, stem, ext, hasExt, tc.stem, tc.ext, tc.hasExt)
		}
	}
}

func TestHasExtension_FalseForCleanupStem(t *testing.T) {
	t.Parallel()

	if pathutil.HasExtension(".cleanup") {
		t.Fatal("HasExtension(\".cleanup\") = true, want false")
	}
}
