//go:build e2e

package e2e

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

// possyncServer manages a running "possync serve" process.
type possyncServer struct {
	cmd     *exec.Cmd
	dataDir string
	address string
	apiKey  string
	logFile string
}

// startServe launches the reference backend and waits for it to become
// healthy. It is configured entirely via environment variables.
func startServe(t *testing.T) *possyncServer {
	t.Helper()
	requirePossync(t)

	dataDir := t.TempDir()
	s := &possyncServer{
		dataDir: dataDir,
		apiKey:  "e2e-test-api-key",
		logFile: filepath.Join(dataDir, "serve.log"),
	}
	s.start(t)
	return s
}

func (s *possyncServer) start(t *testing.T) {
	t.Helper()

	port := freePort(t)
	s.address = fmt.Sprintf("127.0.0.1:%d", port)

	cmd := exec.Command(possyncBin, "serve")
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("POSSYNC_SERVER_PORT=%d", port),
		"POSSYNC_SERVER_DB_PATH="+filepath.Join(s.dataDir, "server.db"),
		"POSSYNC_SERVER_API_KEY="+s.apiKey,
		"POSSYNC_CONFIG_PATH="+filepath.Join(s.dataDir, "nonexistent.yaml"), // skip YAML file
	)

	lf, err := os.OpenFile(s.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start possync serve: %v", err)
	}
	s.cmd = cmd

	t.Cleanup(func() {
		s.stop()
		lf.Close()
	})

	if err := s.waitHealthy(10 * time.Second); err != nil {
		t.Fatalf("possync serve not healthy: %v", err)
	}
}

func (s *possyncServer) stop() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
		s.cmd = nil
	}
}

// restartOnSameData stops the server and starts it again on a new port
// with the same database.
func (s *possyncServer) restartOnSameData(t *testing.T) {
	t.Helper()
	s.stop()
	time.Sleep(200 * time.Millisecond) // allow port release
	s.start(t)
}

func (s *possyncServer) baseURL() string {
	return fmt.Sprintf("http://%s", s.address)
}

func (s *possyncServer) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := fmt.Sprintf("%s/api/health", s.baseURL())

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("possync serve not healthy after %s", timeout)
}

// recordCount returns the backend's record count for a collection.
func (s *possyncServer) recordCount(t *testing.T, collection string) int {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("%s/api/health", s.baseURL()))
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Records map[string]int `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return body.Records[collection]
}

// tillCLI runs possync client commands against one local database.
type tillCLI struct {
	dbPath string
	server *possyncServer
}

func newTillCLI(t *testing.T, server *possyncServer) *tillCLI {
	t.Helper()
	requirePossync(t)
	return &tillCLI{
		dbPath: filepath.Join(t.TempDir(), "till.db"),
		server: server,
	}
}

func (c *tillCLI) exec(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(possyncBin, args...)
	cmd.Env = append(os.Environ(),
		"POSSYNC_DB_PATH="+c.dbPath,
		"POSSYNC_REMOTE_URL="+c.server.baseURL(),
		"POSSYNC_API_KEY="+c.server.apiKey,
		"POSSYNC_LOG_LEVEL=error",
		"POSSYNC_CONFIG_PATH="+filepath.Join(filepath.Dir(c.dbPath), "nonexistent.yaml"),
	)
	out, err := cmd.Output()
	return string(out), err
}

// execJSON runs a command with --json and decodes its output into v.
func (c *tillCLI) execJSON(t *testing.T, v any, args ...string) {
	t.Helper()
	out, err := c.exec(t, append(args, "--json")...)
	if err != nil {
		t.Fatalf("possync %v: %v\noutput: %s", args, err, out)
	}
	if err := json.Unmarshal([]byte(out), v); err != nil {
		t.Fatalf("possync %v: invalid JSON: %v\noutput: %s", args, err, out)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
