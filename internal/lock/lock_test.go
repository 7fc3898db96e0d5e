package lock

import (
	"strings"
	"testing"
	"time"

	"github.com/stormdav/stormdav/internal/errs"
)

func TestCreateAndToken(t *testing.T) {
	table := NewTable()
	l, err := table.Create("/docs/report.txt", "alice", time.Minute, DepthZero, Exclusive, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(l.Token, "urn:uuid:") {
		t.Errorf("token = %q, want urn:uuid: prefix", l.Token)
	}
	if l.Type != "write" {
		t.Errorf("type = %q, want write", l.Type)
	}
	if got := table.Get(l.Token); got != l {
		t.Error("Get by token did not return the lock")
	}
}

func TestExclusiveConflict(t *testing.T) {
	table := NewTable()
	if _, err := table.Create("/x", "alice", time.Minute, DepthZero, Exclusive, nil); err != nil {
		t.Fatalf("first lock: %v", err)
	}

	_, err := table.Create("/x", "bob", time.Minute, DepthZero, Exclusive, nil)
	if errs.StatusOf(err) != 423 {
		t.Fatalf("second exclusive lock: got %v, want 423", err)
	}

	_, err = table.Create("/x", "bob", time.Minute, DepthZero, Shared, nil)
	if errs.StatusOf(err) != 423 {
		t.Fatalf("shared lock against exclusive: got %v, want 423", err)
	}
}

func TestSharedLocksCoexist(t *testing.T) {
	table := NewTable()
	if _, err := table.Create("/x", "alice", time.Minute, DepthZero, Shared, nil); err != nil {
		t.Fatalf("first shared lock: %v", err)
	}
	if _, err := table.Create("/x", "bob", time.Minute, DepthZero, Shared, nil); err != nil {
		t.Fatalf("second shared lock: %v", err)
	}

	// An exclusive lock still conflicts with the shared holders.
	_, err := table.Create("/x", "carol", time.Minute, DepthZero, Exclusive, nil)
	if errs.StatusOf(err) != 423 {
		t.Fatalf("exclusive against shared: got %v, want 423", err)
	}
}

func TestUnlockThenRelock(t *testing.T) {
	table := NewTable()
	l, err := table.Create("/x", "alice", time.Minute, DepthZero, Exclusive, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := table.Unlock(l.Token); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if _, err := table.Create("/x", "bob", time.Minute, DepthZero, Exclusive, nil); err != nil {
		t.Fatalf("relock after unlock: %v", err)
	}
}

func TestUnlockErrors(t *testing.T) {
	table := NewTable()

	if err := table.Unlock("urn:uuid:nonexistent"); errs.StatusOf(err) != 409 {
		t.Errorf("unknown token: got %v, want 409", err)
	}

	current := time.Now()
	table.now = func() time.Time { return current }
	l, err := table.Create("/x", "alice", time.Minute, DepthZero, Exclusive, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	current = current.Add(2 * time.Minute)
	if err := table.Unlock(l.Token); errs.StatusOf(err) != 412 {
		t.Errorf("expired token: got %v, want 412", err)
	}
}

func TestDepthInfinityCoversDescendants(t *testing.T) {
	table := NewTable()
	l, err := table.Create("/dir", "alice", time.Minute, DepthInfinity, Exclusive, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if blocking := table.Check("/dir/sub/file.txt", nil); blocking == nil {
		t.Fatal("descendant of depth-infinity lock should be blocked")
	}
	if blocking := table.Check("/dir/sub/file.txt", []string{l.Token}); blocking != nil {
		t.Error("holder's token should unblock descendants")
	}
	if blocking := table.Check("/other/file.txt", nil); blocking != nil {
		t.Error("unrelated path should not be blocked")
	}
}

func TestDepthZeroDoesNotCoverDescendants(t *testing.T) {
	table := NewTable()
	if _, err := table.Create("/dir", "alice", time.Minute, DepthZero, Exclusive, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if blocking := table.Check("/dir/file.txt", nil); blocking != nil {
		t.Error("depth-zero lock must not cover descendants")
	}
	if blocking := table.Check("/dir", nil); blocking == nil {
		t.Error("locked path itself should be blocked")
	}
}

func TestCreateBlockedByAncestorInfinityLock(t *testing.T) {
	table := NewTable()
	l, err := table.Create("/dir", "alice", time.Minute, DepthInfinity, Exclusive, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err = table.Create("/dir/sub/file.txt", "bob", time.Minute, DepthZero, Exclusive, nil)
	if errs.StatusOf(err) != 423 {
		t.Fatalf("descendant lock under exclusive infinity ancestor: got %v, want 423", err)
	}

	// The holder's own token lets it lock deeper.
	if _, err := table.Create("/dir/sub/file.txt", "alice", time.Minute, DepthZero, Exclusive, []string{l.Token}); err != nil {
		t.Fatalf("descendant lock with holder token: %v", err)
	}
}

func TestCreateAncestorDepthZeroDoesNotBlock(t *testing.T) {
	table := NewTable()
	if _, err := table.Create("/dir", "alice", time.Minute, DepthZero, Exclusive, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := table.Create("/dir/file.txt", "bob", time.Minute, DepthZero, Exclusive, nil); err != nil {
		t.Fatalf("lock under depth-zero ancestor: %v", err)
	}
}

func TestCreateInfinityBlockedByDescendantLock(t *testing.T) {
	table := NewTable()
	l, err := table.Create("/dir/sub/file.txt", "alice", time.Minute, DepthZero, Exclusive, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err = table.Create("/dir", "bob", time.Minute, DepthInfinity, Exclusive, nil)
	if errs.StatusOf(err) != 423 {
		t.Fatalf("infinity lock over locked descendant: got %v, want 423", err)
	}

	if _, err := table.Create("/dir", "alice", time.Minute, DepthInfinity, Exclusive, []string{l.Token}); err != nil {
		t.Fatalf("infinity lock with descendant holder token: %v", err)
	}
}

func TestCheckSkipsExpiredSiblings(t *testing.T) {
	// Expired locks evicted mid-scan must not hide an unexpired sibling
	// sharing the same path.
	table := NewTable(WithSweepWindow(time.Hour))
	current := time.Now()
	table.now = func() time.Time { return current }

	if _, err := table.Create("/x", "alice", time.Minute, DepthZero, Shared, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	live, err := table.Create("/x", "bob", 30*time.Minute, DepthZero, Shared, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := table.Create("/x", "carol", time.Minute, DepthZero, Shared, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// The first and third expire; the throttled sweep does not run yet.
	current = current.Add(2 * time.Minute)
	blocking := table.Check("/x", nil)
	if blocking == nil {
		t.Fatal("Check returned nil although an unexpired shared lock covers /x")
	}
	if blocking.Token != live.Token {
		t.Errorf("blocking token = %q, want %q", blocking.Token, live.Token)
	}
}

func TestRefresh(t *testing.T) {
	table := NewTable()
	current := time.Now()
	table.now = func() time.Time { return current }

	l, err := table.Create("/x", "alice", time.Minute, DepthZero, Exclusive, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	firstExpiry := l.ExpiresAt

	current = current.Add(30 * time.Second)
	refreshed, err := table.Refresh(l.Token, 10*time.Minute)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if refreshed.Token != l.Token {
		t.Error("refresh must keep the same token")
	}
	if !refreshed.ExpiresAt.After(firstExpiry) {
		t.Error("refresh did not extend the expiry")
	}

	if _, err := table.Refresh("urn:uuid:missing", time.Minute); errs.StatusOf(err) != 409 {
		t.Errorf("refresh of unknown token: got %v, want 409", err)
	}

	current = current.Add(time.Hour)
	if _, err := table.Refresh(l.Token, time.Minute); errs.StatusOf(err) != 412 {
		t.Errorf("refresh of expired lock: got %v, want 412", err)
	}
}

func TestExpiredLockReleasesPath(t *testing.T) {
	table := NewTable()
	current := time.Now()
	table.now = func() time.Time { return current }

	if _, err := table.Create("/x", "alice", time.Minute, DepthZero, Exclusive, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	current = current.Add(2 * time.Minute)
	if blocking := table.Check("/x", nil); blocking != nil {
		t.Error("expired lock should not block")
	}
	if _, err := table.Create("/x", "bob", time.Minute, DepthZero, Exclusive, nil); err != nil {
		t.Fatalf("lock after expiry: %v", err)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	table := NewTable(WithSweepWindow(time.Minute))
	current := time.Now()
	table.now = func() time.Time { return current }

	for _, path := range []string{"/a", "/b", "/c"} {
		if _, err := table.Create(path, "alice", time.Minute, DepthZero, Exclusive, nil); err != nil {
			t.Fatalf("Create %s: %v", path, err)
		}
	}
	if n := table.ActiveCount(); n != 3 {
		t.Fatalf("ActiveCount = %d, want 3", n)
	}

	// All three expire; the next operation past the sweep window purges.
	current = current.Add(5 * time.Minute)
	table.Check("/unrelated", nil)
	if n := table.ActiveCount(); n != 0 {
		t.Errorf("ActiveCount after sweep = %d, want 0", n)
	}
}

func TestRefreshedLockSurvivesSweep(t *testing.T) {
	// The stale heap entry from before the refresh must not evict the
	// refreshed lock.
	table := NewTable(WithSweepWindow(time.Minute))
	current := time.Now()
	table.now = func() time.Time { return current }

	l, err := table.Create("/x", "alice", time.Minute, DepthZero, Exclusive, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := table.Refresh(l.Token, time.Hour); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// Past the original expiry but inside the refreshed one.
	current = current.Add(10 * time.Minute)
	table.Check("/unrelated", nil)
	if blocking := table.Check("/x", nil); blocking == nil {
		t.Error("refreshed lock should still block after the stale expiry passed")
	}
}

func TestTimeoutClamped(t *testing.T) {
	table := NewTable(WithTimeouts(10*time.Minute, time.Hour))

	l, err := table.Create("/a", "alice", 0, DepthZero, Exclusive, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if l.Timeout != 10*time.Minute {
		t.Errorf("default timeout = %v, want 10m", l.Timeout)
	}

	l2, err := table.Create("/b", "alice", 99*time.Hour, DepthZero, Exclusive, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if l2.Timeout != time.Hour {
		t.Errorf("clamped timeout = %v, want 1h", l2.Timeout)
	}
}
