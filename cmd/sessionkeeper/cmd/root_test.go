package cmd

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/schoolhub/sessionkeeper/authtest"
	"github.com/schoolhub/sessionkeeper/session"
)

// run executes one CLI invocation against apiURL with its data in dataDir.
func run(t *testing.T, apiURL, dataDir, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{
		"--env-file", "",
		"--api-url", apiURL,
		"--data-dir", dataDir,
		"--log-level", "error",
	}, args...))
	err := root.ExecuteContext(t.Context())
	return out.String(), err
}

func TestCLI_SessionLifecycle(t *testing.T) {
	srv := authtest.NewServer()
	defer srv.Close()
	srv.AddUser("teacher@school.org", "", "teacher", "Ada Teacher")
	dir := t.TempDir()

	out, err := run(t, srv.URL, dir, "", "login", "-e", "teacher@school.org", "-p", authtest.DefaultPassword)
	require.NoError(t, err, out)
	require.Contains(t, out, "authenticated as Ada Teacher")

	// The session survives between invocations.
	out, err = run(t, srv.URL, dir, "", "whoami")
	require.NoError(t, err, out)
	var user session.UserRecord
	require.NoError(t, json.Unmarshal([]byte(out), &user))
	require.Equal(t, "teacher@school.org", user.Email)

	out, err = run(t, srv.URL, dir, "", "attendance", "record", "--class", "class-7a", "--date", "2026-03-02",
		"--entry", "s-1=present,s-2=late")
	require.NoError(t, err, out)
	require.Contains(t, out, "Queued CREATE for class-7a on 2026-03-02")
	got, ok := srv.Attendance("class-7a", "2026-03-02")
	require.True(t, ok, "recorded online attendance is pushed immediately")
	require.Equal(t, "late", got.Entries["s-2"])

	out, err = run(t, srv.URL, dir, "", "attendance", "list")
	require.NoError(t, err, out)
	require.Contains(t, out, "SYNCED")

	out, err = run(t, srv.URL, dir, "", "status")
	require.NoError(t, err, out)
	require.Contains(t, out, "online: true")
	require.Contains(t, out, "Offline access:")

	out, err = run(t, srv.URL, dir, "", "logout", "--complete")
	require.NoError(t, err, out)

	_, err = run(t, srv.URL, dir, "", "whoami")
	require.Error(t, err)
}

func TestCLI_OfflineLoginAndSync(t *testing.T) {
	srv := authtest.NewServer()
	defer srv.Close()
	srv.AddUser("teacher@school.org", "", "teacher", "Ada Teacher")
	dir := t.TempDir()

	// Password read from stdin.
	out, err := run(t, srv.URL, dir, authtest.DefaultPassword+"\n", "login", "-e", "teacher@school.org")
	require.NoError(t, err, out)
	out, err = run(t, srv.URL, dir, "", "logout")
	require.NoError(t, err, out)

	// Nothing listens here: the API is unreachable.
	const down = "http://127.0.0.1:1"
	out, err = run(t, down, dir, "", "login", "-e", "someone@school.org", "-p", "x")
	require.Error(t, err)
	require.Contains(t, err.Error(), "teacher@school.org")

	out, err = run(t, down, dir, "", "login", "-e", "teacher@school.org", "-p", "x")
	require.NoError(t, err, out)
	require.Contains(t, out, "offline_authenticated")

	// Each invocation is a new process; the cached identity still allows
	// recording within the offline window.
	out, err = run(t, down, dir, "", "attendance", "record", "--class", "class-7b", "--date", "2026-03-03",
		"--entry", "s-5=absent")
	require.NoError(t, err, out)
	require.Contains(t, out, "Queued CREATE")
	out, err = run(t, down, dir, "", "attendance", "sync")
	require.NoError(t, err, out)
	require.Contains(t, out, "stays queued")

	out, err = run(t, down, dir, "", "register", "-e", "new@school.org", "-p", "long-enough", "--name", "New")
	require.Error(t, err)

	// Back online: log in for real and sync.
	out, err = run(t, srv.URL, dir, "", "login", "-e", "teacher@school.org", "-p", authtest.DefaultPassword)
	require.NoError(t, err, out)
	out, err = run(t, srv.URL, dir, "", "attendance", "sync")
	require.NoError(t, err, out)
	_, ok := srv.Attendance("class-7b", "2026-03-03")
	require.True(t, ok)
}

func TestCLI_RecordRequiresLogin(t *testing.T) {
	srv := authtest.NewServer()
	defer srv.Close()
	srv.AddUser("teacher@school.org", "", "teacher", "Ada Teacher")
	dir := t.TempDir()
	const down = "http://127.0.0.1:1"
	record := []string{"attendance", "record", "--class", "class-7c", "--date", "2026-03-04", "--entry", "s-1=present"}

	out, err := run(t, srv.URL, dir, "", "login", "-e", "teacher@school.org", "-p", authtest.DefaultPassword)
	require.NoError(t, err, out)
	out, err = run(t, srv.URL, dir, "", "logout")
	require.NoError(t, err, out)

	// A soft logout keeps the cached identity, but it does not act as a login.
	_, err = run(t, srv.URL, dir, "", record...)
	require.ErrorIs(t, err, errNotLoggedIn)
	_, err = run(t, down, dir, "", record...)
	require.ErrorIs(t, err, errNotLoggedIn)

	// An offline login carries over only while the API stays unreachable.
	out, err = run(t, down, dir, "", "login", "-e", "teacher@school.org", "-p", "x")
	require.NoError(t, err, out)
	out, err = run(t, down, dir, "", record...)
	require.NoError(t, err, out)
	_, err = run(t, srv.URL, dir, "", record...)
	require.ErrorIs(t, err, errNotLoggedIn)

	out, err = run(t, down, dir, "", "logout")
	require.NoError(t, err, out)
	_, err = run(t, down, dir, "", record...)
	require.ErrorIs(t, err, errNotLoggedIn)
	require.Zero(t, srv.AttendanceCalls())
}

func TestCLI_Version(t *testing.T) {
	out, err := run(t, "http://unused", t.TempDir(), "", "version")
	require.NoError(t, err)
	require.Contains(t, out, "Version dev")
}

func TestExecute_PurgesSecrets(t *testing.T) {
	purged := false
	orig := purgeSecrets
	purgeSecrets = func() { purged = true }
	t.Cleanup(func() { purgeSecrets = orig })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	Execute()
	require.True(t, purged)
	require.Contains(t, out.String(), "Version dev")
}
