package infra

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"github.com/servicestatus/agent/internal/domain"
)

// UnitPrefix namespaces the agent's units inside systemd.
const UnitPrefix = "ssi-"

const serviceUnitTemplate = `# Auto-generated by ssiagent for service {{ .ID }}
# DO NOT EDIT MANUALLY

[Unit]
Description={{ .Description }}

[Service]
Type=oneshot
ExecStart={{ .ScriptPath }}
TimeoutStartSec={{ .Timeout }}
StandardOutput=append:{{ .LogPath }}
StandardError=append:{{ .LogPath }}
`

const timerUnitTemplate = `# Auto-generated by ssiagent for service {{ .ID }}
# DO NOT EDIT MANUALLY

[Unit]
Description=Run {{ .Name }} on schedule

[Timer]
OnCalendar={{ .Schedule }}
Persistent=true

[Install]
WantedBy=timers.target
`

var (
	serviceUnitTmpl = template.Must(template.New("service").Parse(serviceUnitTemplate))
	timerUnitTmpl   = template.Must(template.New("timer").Parse(timerUnitTemplate))
)

// Accepted OnCalendar expression shapes. The grammar is checked
// syntactically only; systemd remains the authority on meaning.
var schedulePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\*:[0-9]+/[0-9]+$`),                                                // every N minutes, short form
	regexp.MustCompile(`^\*:[0-9]+/[0-9]{2}:[0-9]{2}$`),                                     // every N minutes, extended form
	regexp.MustCompile(`^\*:[0-9]{2}:[0-9]{2}$`),                                            // every hour
	regexp.MustCompile(`^0/[0-9]+:[0-9]{2}:[0-9]{2}$`),                                      // every hour, alternative form
	regexp.MustCompile(`^(Mon|Tue|Wed|Thu|Fri|Sat|Sun)\s+\*-\*-\*\s+[0-9]{2}:[0-9]{2}:[0-9]{2}$`), // weekly at a time
	regexp.MustCompile(`^\*-\*-\*\s+[0-9]{2}:[0-9]{2}:[0-9]{2}$`),                           // daily at a time
}

var scheduleKeywords = map[string]bool{
	"hourly":  true,
	"daily":   true,
	"weekly":  true,
	"monthly": true,
}

// SystemdScheduler implements domain.Scheduler by rendering timer/service
// units and driving systemctl.
type SystemdScheduler struct {
	unitDir string
	logger  *zap.Logger
}

// NewSystemdScheduler creates a scheduler writing units to the default
// system unit directory.
func NewSystemdScheduler(logger *zap.Logger) *SystemdScheduler {
	return &SystemdScheduler{
		unitDir: "/etc/systemd/system",
		logger:  logger,
	}
}

// NewSystemdSchedulerWithDir creates a scheduler with a custom unit
// directory (for testing).
func NewSystemdSchedulerWithDir(unitDir string, logger *zap.Logger) *SystemdScheduler {
	return &SystemdScheduler{unitDir: unitDir, logger: logger}
}

// ValidateExpression reports whether expr is a syntactically acceptable
// OnCalendar expression or shorthand keyword.
func (s *SystemdScheduler) ValidateExpression(expr string) bool {
	if scheduleKeywords[strings.ToLower(expr)] {
		return true
	}
	for _, p := range schedulePatterns {
		if p.MatchString(expr) {
			return true
		}
	}
	return false
}

type unitData struct {
	ID          string
	Name        string
	Description string
	Schedule    string
	Timeout     int
	ScriptPath  string
	LogPath     string
}

// Install renders and writes the service and timer units, then reloads
// the systemd manager configuration.
func (s *SystemdScheduler) Install(ctx context.Context, rec domain.ServiceRecord) error {
	s.logger.Info("installing scheduler units",
		zap.String("service", rec.ID),
		zap.String("schedule", rec.Manifest.Schedule))

	data := unitData{
		ID:          rec.ID,
		Name:        rec.Manifest.Name,
		Description: rec.Manifest.Description,
		Schedule:    rec.Manifest.Schedule,
		Timeout:     rec.Manifest.TimeoutSeconds,
		ScriptPath:  rec.ScriptPath,
		LogPath:     rec.LogPath,
	}

	if err := s.writeUnit(s.serviceUnit(rec.ID), serviceUnitTmpl, data); err != nil {
		return err
	}
	if err := s.writeUnit(s.timerUnit(rec.ID), timerUnitTmpl, data); err != nil {
		return err
	}
	return s.systemctl(ctx, "daemon-reload")
}

// Remove deletes the service's units and reloads systemd. Missing unit
// files are not an error.
func (s *SystemdScheduler) Remove(ctx context.Context, id string) error {
	for _, unit := range []string{s.serviceUnit(id), s.timerUnit(id)} {
		path := filepath.Join(s.unitDir, unit)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove unit %s: %w", unit, err)
		}
	}
	return s.systemctl(ctx, "daemon-reload")
}

// Enable activates the service's timer immediately.
func (s *SystemdScheduler) Enable(ctx context.Context, id string) error {
	return s.systemctl(ctx, "enable", "--now", s.timerUnit(id))
}

// Disable deactivates the service's timer immediately.
func (s *SystemdScheduler) Disable(ctx context.Context, id string) error {
	return s.systemctl(ctx, "disable", "--now", s.timerUnit(id))
}

// RunNow triggers a one-shot run of the service unit.
func (s *SystemdScheduler) RunNow(ctx context.Context, id string) error {
	return s.systemctl(ctx, "start", "--no-block", s.serviceUnit(id))
}

// IsEnabled reports whether the service's timer is enabled.
func (s *SystemdScheduler) IsEnabled(ctx context.Context, id string) bool {
	cmd := exec.CommandContext(ctx, "systemctl", "is-enabled", s.timerUnit(id))
	output, err := cmd.Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(output)) == "enabled"
}

func (s *SystemdScheduler) serviceUnit(id string) string {
	return UnitPrefix + id + ".service"
}

func (s *SystemdScheduler) timerUnit(id string) string {
	return UnitPrefix + id + ".timer"
}

func (s *SystemdScheduler) writeUnit(name string, tmpl *template.Template, data unitData) error {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("render unit %s: %w", name, err)
	}

	if err := os.MkdirAll(s.unitDir, 0755); err != nil {
		return fmt.Errorf("create unit dir: %w", err)
	}
	path := filepath.Join(s.unitDir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write unit %s: %w", name, err)
	}
	return nil
}

// systemctl executes a systemctl command.
func (s *SystemdScheduler) systemctl(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "systemctl", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("systemctl %v: %s: %w", args, string(output), err)
	}
	return nil
}

// Ensure SystemdScheduler implements domain.Scheduler.
var _ domain.Scheduler = (*SystemdScheduler)(nil)
