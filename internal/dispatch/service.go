package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const serviceTimeout = 90 * time.Second

// serviceNamePattern accepts systemd unit names (nginx.service,
// getty@tty1.service) and Windows service or display names, which may
// contain spaces and parentheses. Quotes and shell metacharacters never
// match.
var serviceNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 :_.@()\-]*$`)

type servicePayload struct {
	ServiceName string `json:"serviceName"`
}

// ServiceState is the result of service.status.
type ServiceState struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	State       string `json:"state"`
	SubState    string `json:"subState,omitempty"`
	Description string `json:"description,omitempty"`
}

func (d *Dispatcher) decodeService(req *request) (string, error) {
	var p servicePayload
	if err := req.decode(&p); err != nil {
		return "", err
	}
	name := p.ServiceName
	if name != strings.TrimSpace(name) || !serviceNamePattern.MatchString(name) {
		return "", validationf("serviceName", "serviceName %q is not a valid service name", name)
	}
	return name, nil
}

func (d *Dispatcher) serviceStatus(ctx context.Context, req *request) (result, error) {
	name, err := d.decodeService(req)
	if err != nil {
		return result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, serviceTimeout)
	defer cancel()

	var state ServiceState
	switch d.goos {
	case "linux":
		out, err := d.runner.Run(ctx, "systemctl", "show", name, "--no-pager",
			"--property=Id,ActiveState,SubState,Description,LoadState")
		if err != nil {
			return result{}, err
		}
		props := parseProperties(out)
		if props["LoadState"] == "not-found" {
			return result{}, fmt.Errorf("service %q not found", name)
		}
		state = ServiceState{
			Name:        props["Id"],
			State:       props["ActiveState"],
			SubState:    props["SubState"],
			Description: props["Description"],
		}
	case "windows":
		out, err := d.runner.Run(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command",
			windowsServiceScript(name, "$s | Select-Object Name,DisplayName,@{n='Status';e={$_.Status.ToString()}} | ConvertTo-Json -Compress"))
		if err != nil {
			return result{}, err
		}
		var svc struct {
			Name        string `json:"Name"`
			DisplayName string `json:"DisplayName"`
			Status      string `json:"Status"`
		}
		if err := json.Unmarshal(bytes.TrimSpace(out), &svc); err != nil {
			return result{}, fmt.Errorf("unexpected Get-Service output: %w", err)
		}
		state = ServiceState{Name: svc.Name, DisplayName: svc.DisplayName, State: svc.Status}
	default:
		return result{}, fmt.Errorf("service.status: %w (%s)", ErrUnsupportedPlatform, d.goos)
	}

	data, err := json.Marshal(state)
	if err != nil {
		return result{}, err
	}
	return result{logs: string(data)}, nil
}

func (d *Dispatcher) serviceRestart(ctx context.Context, req *request) (result, error) {
	name, err := d.decodeService(req)
	if err != nil {
		return result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, serviceTimeout)
	defer cancel()

	switch d.goos {
	case "linux":
		_, err = d.runner.Run(ctx, "systemctl", "restart", name)
	case "windows":
		_, err = d.runner.Run(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command",
			windowsServiceScript(name, "Restart-Service -InputObject $s -ErrorAction Stop"))
	default:
		return result{}, fmt.Errorf("service.restart: %w (%s)", ErrUnsupportedPlatform, d.goos)
	}
	if err != nil {
		return result{}, err
	}
	return result{logs: fmt.Sprintf("service %s restarted", name)}, nil
}

// windowsServiceScript looks the service up by name, then by display name,
// and runs then against it as $s. name has passed serviceNamePattern.
func windowsServiceScript(name, then string) string {
	return fmt.Sprintf("$s = Get-Service -Name '%[1]s' -ErrorAction SilentlyContinue; "+
		"if (-not $s) { $s = Get-Service -DisplayName '%[1]s' -ErrorAction Stop }; %[2]s", name, then)
}

// parseProperties reads systemctl show output (Key=Value per line).
func parseProperties(out []byte) map[string]string {
	props := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if ok {
			props[k] = v
		}
	}
	return props
}
