package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

const (
	dockerBinary         = "docker"
	dockerDefaultTimeout = 60 * time.Second
	dockerDefaultTail    = 200
)

var containerIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

type dockerActionPayload struct {
	ContainerID    string `json:"containerId"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type dockerLogsPayload struct {
	ContainerID string `json:"containerId"`
	Tail        int    `json:"tail"`
}

type dockerListPayload struct {
	All bool `json:"all"`
}

// Container is one row of docker.list output.
type Container struct {
	ID      string `json:"id"`
	Names   string `json:"names"`
	Image   string `json:"image"`
	State   string `json:"state"`
	Status  string `json:"status"`
	Created string `json:"created"`
	Ports   string `json:"ports,omitempty"`
}

func checkContainerID(id string) error {
	if !containerIDPattern.MatchString(id) {
		return validationf("containerId", "containerId %q is not a valid container name or id", id)
	}
	return nil
}

func (d *Dispatcher) dockerList(ctx context.Context, req *request) (result, error) {
	var p dockerListPayload
	if err := req.decode(&p); err != nil {
		return result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, dockerDefaultTimeout)
	defer cancel()

	args := []string{"ps", "--no-trunc", "--format", "{{json .}}"}
	if p.All {
		args = append(args, "--all")
	}
	out, err := d.runner.Run(ctx, dockerBinary, args...)
	if err != nil {
		return result{}, err
	}

	containers := make([]Container, 0)
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var row struct {
			ID        string `json:"ID"`
			Names     string `json:"Names"`
			Image     string `json:"Image"`
			State     string `json:"State"`
			Status    string `json:"Status"`
			CreatedAt string `json:"CreatedAt"`
			Ports     string `json:"Ports"`
		}
		if err := json.Unmarshal(line, &row); err != nil {
			return result{}, fmt.Errorf("unexpected docker ps output: %w", err)
		}
		containers = append(containers, Container{
			ID:      row.ID,
			Names:   row.Names,
			Image:   row.Image,
			State:   row.State,
			Status:  row.Status,
			Created: row.CreatedAt,
			Ports:   row.Ports,
		})
	}
	if err := sc.Err(); err != nil {
		return result{}, fmt.Errorf("read docker ps output: %w", err)
	}
	return result{doc: containers}, nil
}

// dockerAction builds the handler for restart, start and stop.
func (d *Dispatcher) dockerAction(verb string) handlerFunc {
	return func(ctx context.Context, req *request) (result, error) {
		var p dockerActionPayload
		if err := req.decode(&p); err != nil {
			return result{}, err
		}
		if err := checkContainerID(p.ContainerID); err != nil {
			return result{}, err
		}

		timeout := dockerDefaultTimeout
		args := []string{verb}
		if p.TimeoutSeconds > 0 && verb != "start" {
			args = append(args, "--time", strconv.Itoa(p.TimeoutSeconds))
			timeout += time.Duration(p.TimeoutSeconds) * time.Second
		}
		args = append(args, p.ContainerID)

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if _, err := d.runner.Run(ctx, dockerBinary, args...); err != nil {
			return result{}, err
		}
		return result{logs: fmt.Sprintf("container %s: %s ok", p.ContainerID, verb)}, nil
	}
}

func (d *Dispatcher) dockerLogs(ctx context.Context, req *request) (result, error) {
	var p dockerLogsPayload
	if err := req.decode(&p); err != nil {
		return result{}, err
	}
	if err := checkContainerID(p.ContainerID); err != nil {
		return result{}, err
	}
	tail := p.Tail
	if tail <= 0 {
		tail = dockerDefaultTail
	}

	ctx, cancel := context.WithTimeout(ctx, dockerDefaultTimeout)
	defer cancel()
	out, err := d.runner.Run(ctx, dockerBinary, "logs", "--timestamps", "--tail", strconv.Itoa(tail), p.ContainerID)
	if err != nil {
		return result{}, err
	}
	return result{logs: string(truncateTail(out, int(d.caps.LogMaxBytes)))}, nil
}
