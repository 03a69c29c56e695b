package netlink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CommandRunner runs one control command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) (string, error)

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return string(out), nil
}

// WPARadio drives wpa_supplicant through wpa_cli.
type WPARadio struct {
	cli         string
	iface       string
	connectWait time.Duration
	poll        time.Duration
	run         CommandRunner

	mu       sync.Mutex
	ssid     string
	password string
	network  string
	started  bool
}

// NewWPARadio creates a radio for iface. cli defaults to "wpa_cli".
func NewWPARadio(cli, iface string, connectWait time.Duration) *WPARadio {
	if cli == "" {
		cli = "wpa_cli"
	}
	if connectWait <= 0 {
		connectWait = 15 * time.Second
	}
	return &WPARadio{
		cli:         cli,
		iface:       iface,
		connectWait: connectWait,
		poll:        time.Second,
		run:         execRunner,
	}
}

func (r *WPARadio) cmd(ctx context.Context, args ...string) (string, error) {
	out, err := r.run(ctx, r.cli, append([]string{"-i", r.iface}, args...)...)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "FAIL" {
		return "", fmt.Errorf("wpa_cli %s: FAIL", args[0])
	}
	return out, nil
}

func (r *WPARadio) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Configure records the credentials applied by the next Start.
func (r *WPARadio) Configure(ssid, password string) error {
	if ssid == "" {
		return errors.New("wifi ssid not configured")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ssid, r.password = ssid, password
	r.started = false
	return nil
}

// Start replaces the supplicant's networks with the configured one.
func (r *WPARadio) Start(ctx context.Context) error {
	r.mu.Lock()
	ssid, password := r.ssid, r.password
	r.mu.Unlock()

	if _, err := r.cmd(ctx, "remove_network", "all"); err != nil {
		return err
	}
	id, err := r.cmd(ctx, "add_network")
	if err != nil {
		return err
	}
	if _, err := r.cmd(ctx, "set_network", id, "ssid", strconv.Quote(ssid)); err != nil {
		return err
	}
	if password == "" {
		_, err = r.cmd(ctx, "set_network", id, "key_mgmt", "NONE")
	} else {
		_, err = r.cmd(ctx, "set_network", id, "psk", strconv.Quote(password))
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.network = id
	r.started = true
	r.mu.Unlock()
	return nil
}

// Scan triggers a scan and returns up to limit results, strongest first.
func (r *WPARadio) Scan(ctx context.Context, limit int) ([]AccessPoint, error) {
	if _, err := r.cmd(ctx, "scan"); err != nil {
		return nil, err
	}
	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	out, err := r.cmd(ctx, "scan_results")
	if err != nil {
		return nil, err
	}
	aps := parseScanResults(out)
	sort.SliceStable(aps, func(i, j int) bool { return aps[i].Signal > aps[j].Signal })
	if limit > 0 && len(aps) > limit {
		aps = aps[:limit]
	}
	return aps, nil
}

// parseScanResults reads "bssid / frequency / signal level / flags / ssid" rows.
func parseScanResults(out string) []AccessPoint {
	var aps []AccessPoint
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Split(sc.Text(), "\t")
		if len(fields) < 5 {
			continue
		}
		signal, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		aps = append(aps, AccessPoint{BSSID: fields[0], Signal: signal, SSID: fields[4]})
	}
	return aps
}

// Connect selects the configured network and waits for association.
func (r *WPARadio) Connect(ctx context.Context) error {
	r.mu.Lock()
	id := r.network
	r.mu.Unlock()
	if id == "" {
		return errors.New("radio not started")
	}
	if _, err := r.cmd(ctx, "select_network", id); err != nil {
		return err
	}

	deadline := time.Now().Add(r.connectWait)
	for {
		if r.Connected() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("association timed out after %s", r.connectWait)
		}
		select {
		case <-time.After(r.poll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *WPARadio) Connected() bool {
	out, err := r.cmd(context.Background(), "status")
	if err != nil {
		return false
	}
	return statusField(out, "wpa_state") == "COMPLETED"
}

// WaitDisconnect polls the supplicant until association is lost.
func (r *WPARadio) WaitDisconnect(ctx context.Context) error {
	for {
		if !r.Connected() {
			return nil
		}
		select {
		case <-time.After(r.poll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func statusField(status, key string) string {
	for _, line := range strings.Split(status, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if ok && k == key {
			return v
		}
	}
	return ""
}
