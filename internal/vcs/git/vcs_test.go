package git

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/anomalyco/patchpilot/internal/contracts"
)

type fakeRunner struct {
	output string
	err    error
	// errOn fails only calls whose first git argument matches.
	errOn map[string]error
	calls []call
}

type call struct {
	name string
	args []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	f.calls = append(f.calls, call{name: name, args: append([]string{}, args...)})
	if len(args) > 0 {
		if err, ok := f.errOn[strings.Join(args, " ")]; ok {
			return "", err
		}
	}
	return f.output, f.err
}

func TestVCSAdapterImplementsContract(t *testing.T) {
	var _ contracts.VCS = (*VCSAdapter)(nil)
}

func TestCommitAllAddsCommitsAndReturnsHead(t *testing.T) {
	r := &fakeRunner{output: "abc123\n"}
	a := NewVCSAdapter(r)

	sha, err := a.CommitAll(context.Background(), "add result")
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if sha != "abc123" {
		t.Fatalf("unexpected sha %q", sha)
	}
	want := []call{
		{name: "git", args: []string{"add", "."}},
		{name: "git", args: []string{"commit", "-m", "add result"}},
		{name: "git", args: []string{"rev-parse", "HEAD"}},
	}
	if !reflect.DeepEqual(r.calls, want) {
		t.Fatalf("unexpected calls %#v", r.calls)
	}
}

func TestRunGitIncludesOutputInError(t *testing.T) {
	r := &fakeRunner{output: "nothing to commit, working tree clean", err: errors.New("exit status 1")}
	a := NewVCSAdapter(r)

	_, err := a.CommitAll(context.Background(), "msg")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "git add . failed") || !strings.Contains(err.Error(), "working tree clean") {
		t.Fatalf("expected command context and details, got %q", err.Error())
	}
}

func TestEnsureBranchCreatesMissingBranch(t *testing.T) {
	r := &fakeRunner{errOn: map[string]error{"checkout results": errors.New("pathspec did not match")}}
	a := NewVCSAdapter(r)

	if err := a.EnsureBranch(context.Background(), "results"); err != nil {
		t.Fatalf("ensure branch failed: %v", err)
	}
	want := []call{
		{name: "git", args: []string{"checkout", "results"}},
		{name: "git", args: []string{"checkout", "-b", "results"}},
	}
	if !reflect.DeepEqual(r.calls, want) {
		t.Fatalf("unexpected calls %#v", r.calls)
	}
}

func TestPushBranchTargetsOrigin(t *testing.T) {
	r := &fakeRunner{}
	if err := NewVCSAdapter(r).PushBranch(context.Background(), "results"); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if !reflect.DeepEqual(r.calls, []call{{name: "git", args: []string{"push", "-u", "origin", "results"}}}) {
		t.Fatalf("unexpected calls %#v", r.calls)
	}
}
