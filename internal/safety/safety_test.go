package safety

import "testing"

func TestDangerousCommandOverridesPolicyAllow(t *testing.T) {
	e := NewEvaluator()
	policy := Policy{Set: true, Allow: true, Message: "user said yes"}

	d := e.EvaluateWithPolicy([]string{"rm", "-rf", "/"}, policy)

	if d.Allowed {
		t.Fatalf("rm -rf / must never be allowed, even with policy allow: %+v", d)
	}
	if d.PrimaryReason != DangerousCommand {
		t.Fatalf("primary reason = %v, want DangerousCommand", d.PrimaryReason)
	}
}

func TestPolicyDenyOverridesSafetyAllow(t *testing.T) {
	e := NewEvaluator()
	policy := Policy{Set: true, Allow: false, Message: "blocked by admin"}

	d := e.EvaluateWithPolicy([]string{"git", "status"}, policy)

	if d.Allowed {
		t.Fatalf("policy deny must win over a safe command: %+v", d)
	}
	if d.PrimaryReason != PolicyDeny {
		t.Fatalf("primary reason = %v, want PolicyDeny", d.PrimaryReason)
	}
}

func TestPolicyAllowRatifiesSafeCommand(t *testing.T) {
	e := NewEvaluator()
	policy := Policy{Set: true, Allow: true, Message: "approved"}

	d := e.EvaluateWithPolicy([]string{"git", "log"}, policy)

	if !d.Allowed || d.PrimaryReason != PolicyAllow {
		t.Fatalf("got %+v, want allowed PolicyAllow", d)
	}
}

func TestCacheSoundness(t *testing.T) {
	e := NewEvaluator()
	argv := []string{"cargo", "build"}

	first := e.Evaluate(argv)
	if first.FromCache {
		t.Fatalf("first evaluation must not be cache-sourced: %+v", first)
	}
	if !first.Allowed {
		t.Fatalf("cargo build should be allowed: %+v", first)
	}

	second := e.Evaluate(argv)
	if !second.FromCache {
		t.Fatalf("second evaluation of identical argv must be cache-sourced: %+v", second)
	}
	if second.Allowed != first.Allowed || second.PrimaryReason != first.PrimaryReason {
		t.Fatalf("cached decision diverged: first=%+v second=%+v", first, second)
	}
}

func TestCacheKeyIncludesPolicy(t *testing.T) {
	e := NewEvaluator()
	argv := []string{"git", "status"}

	noPolicy := e.Evaluate(argv)
	if !noPolicy.Allowed {
		t.Fatalf("git status should be allowed: %+v", noPolicy)
	}

	denied := e.EvaluateWithPolicy(argv, Policy{Set: true, Allow: false, Message: "deny"})
	if denied.Allowed {
		t.Fatalf("policy-scoped evaluation must not reuse the no-policy cache entry: %+v", denied)
	}
}

func TestGitAllowsInspectionDeniesMutation(t *testing.T) {
	e := NewEvaluator()

	for _, sub := range []string{"status", "log", "branch", "diff", "show"} {
		d := e.Evaluate([]string{"git", sub})
		if !d.Allowed {
			t.Errorf("git %s should be allowed: %+v", sub, d)
		}
	}

	for _, sub := range []string{"push", "pull", "reset", "clean", "rebase"} {
		d := e.Evaluate([]string{"git", sub})
		if d.Allowed {
			t.Errorf("git %s should be denied: %+v", sub, d)
		}
	}
}

func TestFindBlacklistsExecAndDelete(t *testing.T) {
	e := NewEvaluator()

	if d := e.Evaluate([]string{"find", ".", "-name", "*.go"}); !d.Allowed {
		t.Fatalf("plain find should be allowed: %+v", d)
	}
	if d := e.Evaluate([]string{"find", ".", "-delete"}); d.Allowed {
		t.Fatalf("find -delete should be denied: %+v", d)
	}
	if d := e.Evaluate([]string{"find", ".", "-exec", "rm", "{}", ";"}); d.Allowed {
		t.Fatalf("find -exec should be denied")
	}
}

func TestDestructiveSystemCommandsDenied(t *testing.T) {
	e := NewEvaluator()
	for _, argv := range [][]string{
		{"mkfs.ext4", "/dev/sda1"},
		{"dd", "if=/dev/zero", "of=/dev/sda"},
		{"shutdown", "-h", "now"},
		{"reboot"},
	} {
		if d := e.Evaluate(argv); d.Allowed {
			t.Errorf("%v should be denied: %+v", argv, d)
		}
	}
}

func TestSudoUnwrapStillEvaluatesInnerCommand(t *testing.T) {
	e := NewEvaluator()
	d := e.Evaluate([]string{"sudo", "rm", "-rf", "/"})
	if d.Allowed {
		t.Fatalf("sudo rm -rf / should be denied after unwrap: %+v", d)
	}
	if d.PrimaryReason != DangerousCommand {
		t.Fatalf("primary reason = %v, want DangerousCommand", d.PrimaryReason)
	}
}

func TestEmbeddedShellScriptRecursesPerStage(t *testing.T) {
	e := NewEvaluator()

	d := e.Evaluate([]string{"bash", "-lc", "git status && git push"})
	if d.Allowed {
		t.Fatalf("a script containing git push should deny: %+v", d)
	}

	d = e.Evaluate([]string{"bash", "-lc", "git status && git log"})
	if !d.Allowed {
		t.Fatalf("a script of entirely safe commands should allow: %+v", d)
	}
}

func TestCargoAllowlist(t *testing.T) {
	e := NewEvaluator()
	for _, sub := range []string{"build", "test", "check", "fmt", "clippy"} {
		if d := e.Evaluate([]string{"cargo", sub}); !d.Allowed {
			t.Errorf("cargo %s should be allowed: %+v", sub, d)
		}
	}
	if d := e.Evaluate([]string{"cargo", "publish"}); d.Allowed {
		t.Fatalf("cargo publish should be denied: %+v", d)
	}
}

func TestNpmGlobalInstallDenied(t *testing.T) {
	e := NewEvaluator()
	if d := e.Evaluate([]string{"npm", "install", "-g", "some-pkg"}); d.Allowed {
		t.Fatalf("npm install -g should be denied: %+v", d)
	}
}

func TestUnknownCommandIsNotSilentlyAllowed(t *testing.T) {
	e := NewEvaluator()
	d := e.Evaluate([]string{"some-made-up-tool", "--flag"})
	if d.Allowed {
		t.Fatalf("unrecognized commands must not be allowed by default: %+v", d)
	}
	if d.PrimaryReason != Unknown {
		t.Fatalf("primary reason = %v, want Unknown", d.PrimaryReason)
	}
}

func TestEmptyArgvDenied(t *testing.T) {
	e := NewEvaluator()
	if d := e.Evaluate(nil); d.Allowed {
		t.Fatalf("empty argv must be denied")
	}
	if d := e.Evaluate([]string{"  ", ""}); d.Allowed {
		t.Fatalf("whitespace-only argv must be denied")
	}
}
