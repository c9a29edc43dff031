package nameutil_test

import (
	"strings"
	"testing"

	"github.com/jvs-project/trail/pkg/nameutil"
)

// Run with: go test -fuzz=FuzzValidateName -fuzztime=30s ./pkg/nameutil/
func FuzzValidateName(f *testing.F) {
	f.Add("")
	f.Add("free")
	f.Add("..")
	f.Add("../escape")
	f.Add("stream/one")
	f.Add(`stream\one`)
	f.Add("tab\tname")
	f.Add("nul\x00")
	f.Add("a.b_c-d")
	f.Add("K")

	f.Fuzz(func(t *testing.T, name string) {
		err := nameutil.ValidateName(name)
		if (err == nil) != (nameutil.ValidateName(name) == nil) {
			t.Fatalf("inconsistent validation for %q", name)
		}
		if err != nil {
			return
		}
		if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
			t.Errorf("accepted unsafe name %q", name)
		}
	})
}

func FuzzValidateHash(f *testing.F) {
	f.Add("")
	f.Add(strings.Repeat("a", 64))
	f.Add(strings.Repeat("A", 64))
	f.Add(strings.Repeat("0", 63))
	f.Add("../" + strings.Repeat("0", 61))

	f.Fuzz(func(t *testing.T, h string) {
		if nameutil.ValidateHash(h) != nil {
			return
		}
		if len(h) != 64 || strings.Trim(h, "0123456789abcdef") != "" {
			t.Errorf("accepted non-digest %q", h)
		}
	})
}

func FuzzScopeFileName(f *testing.F) {
	f.Add("global")
	f.Add("stream:abc")
	f.Add("stream:../../etc")
	f.Add("stream:")
	f.Add(":")

	f.Fuzz(func(t *testing.T, scope string) {
		name, err := nameutil.ScopeFileName(scope)
		if err != nil {
			return
		}
		if strings.Contains(name, ":") {
			t.Errorf("file name %q for scope %q keeps a colon", name, scope)
		}
		if err := nameutil.ValidateName(name); err != nil {
			t.Errorf("file name %q for scope %q is not a valid name: %v", name, scope, err)
		}
	})
}
