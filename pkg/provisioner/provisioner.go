// Package provisioner implements the Provisioner Pipeline (C6, spec.md
// §4.6): the linear post-create sequence applied to a freshly provisioned
// environment — software-catalog items, legacy software pools, a
// community script, a custom script, and default-user creation.
//
// Every remote side effect goes through an injected ExecFunc rather than
// a concrete transport, the same "detect → install → verify" shape
// bartekus-stagecraft's host-bootstrap package uses for ensureDocker, so
// the whole sequence is exercisable with a fake in tests.
package provisioner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"spyre/pkg/events"
	"spyre/pkg/metrics"
	"spyre/pkg/models"
	"spyre/pkg/shellquote"
	"spyre/pkg/sshpool"
	"spyre/pkg/store"
)

// DefaultTimeoutMs bounds any single remote command run by the
// provisioner that doesn't specify its own timeout.
const DefaultTimeoutMs = 120_000

// ExecFunc runs command on the target environment and returns its result,
// mirroring spec.md §6's {code, stdout, stderr} remote command contract.
// Production wiring adapts this from a sshpool.Channel; tests substitute
// a fake directly (spec.md §4.6: "testable without real transport").
type ExecFunc func(ctx context.Context, command string, timeoutMs int) (sshpool.Result, error)

// ChannelExec adapts a live sshpool.Channel into an ExecFunc. A positive
// timeoutMs runs the command under a context derived with that deadline;
// otherwise only ctx bounds it.
func ChannelExec(ch sshpool.Channel) ExecFunc {
	return func(ctx context.Context, command string, timeoutMs int) (sshpool.Result, error) {
		if timeoutMs > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
			defer cancel()
		}
		return ch.Exec(ctx, command)
	}
}

// Config wires a Provisioner's collaborators.
type Config struct {
	Store store.Store
	Bus   *events.Bus
}

// Provisioner runs the post-create sequence for one environment at a time.
type Provisioner struct {
	store store.Store
	bus   *events.Bus
}

// New constructs a Provisioner.
func New(cfg Config) *Provisioner {
	return &Provisioner{store: cfg.Store, bus: cfg.Bus}
}

// Run executes the full linear sequence against req.EnvironmentID. Every
// stage is non-fatal: a failure is logged, published and recorded, and
// the sequence moves on to the next stage (spec.md §7 "Provisioner
// errors are non-fatal per stage").
func (p *Provisioner) Run(ctx context.Context, exec ExecFunc, req models.ProvisioningRequest) error {
	mgr := p.detectPackageManager(ctx, exec)
	if mgr == models.PackageManagerNone {
		slog.Warn("provisioner: no package manager detected", "environment_id", req.EnvironmentID)
	}

	for _, id := range req.SoftwareCatalogIDs {
		p.runCatalogItem(ctx, exec, req.EnvironmentID, mgr, id)
	}

	if req.Pool != nil {
		items := make([]models.SoftwarePoolItem, len(req.Pool.Items))
		copy(items, req.Pool.Items)
		sortPoolItems(items)
		for _, item := range items {
			p.runPoolItem(ctx, exec, req.EnvironmentID, mgr, item)
		}
	}

	if req.CommunityScriptURL != nil && *req.CommunityScriptURL != "" {
		p.runCommunityScript(ctx, exec, req.EnvironmentID, *req.CommunityScriptURL)
	}

	if req.CustomScript != nil && *req.CustomScript != "" {
		p.runCustomScript(ctx, exec, req.EnvironmentID, *req.CustomScript)
	}

	if req.DefaultUser != nil {
		p.runDefaultUser(ctx, exec, req.EnvironmentID, mgr, *req.DefaultUser)
	}

	return nil
}

func sortPoolItems(items []models.SoftwarePoolItem) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].Position < items[j-1].Position; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

// detectPackageManager probes apt → apk → dnf → yum by `which`, first hit
// wins (spec.md §4.6).
func (p *Provisioner) detectPackageManager(ctx context.Context, exec ExecFunc) models.PackageManager {
	for _, mgr := range []models.PackageManager{models.PackageManagerApt, models.PackageManagerApk, models.PackageManagerDnf, models.PackageManagerYum} {
		res, err := exec(ctx, fmt.Sprintf("which %s", mgr), DefaultTimeoutMs)
		if err == nil && res.Code == 0 {
			return mgr
		}
	}
	return models.PackageManagerNone
}

func installCommand(mgr models.PackageManager, pkg string) (string, error) {
	switch mgr {
	case models.PackageManagerApt:
		return fmt.Sprintf("DEBIAN_FRONTEND=noninteractive apt-get install -y %s", shellquote.Single(pkg)), nil
	case models.PackageManagerApk:
		return fmt.Sprintf("apk add --no-cache %s", shellquote.Single(pkg)), nil
	case models.PackageManagerDnf:
		return fmt.Sprintf("dnf install -y %s", shellquote.Single(pkg)), nil
	case models.PackageManagerYum:
		return fmt.Sprintf("yum install -y %s", shellquote.Single(pkg)), nil
	default:
		return "", fmt.Errorf("no package manager detected")
	}
}

func (p *Provisioner) runCatalogItem(ctx context.Context, exec ExecFunc, envID string, mgr models.PackageManager, softwareID string) {
	item, err := p.store.GetSoftwareCatalogItem(ctx, softwareID)
	if err != nil {
		p.logAndEmit(ctx, envID, models.PhaseSoftwareCatalog, models.ProvisioningError, fmt.Sprintf("unknown software id %q: %v", softwareID, err))
		return
	}
	pkg, ok := item.Packages[mgr]
	if !ok || pkg == "" {
		p.logAndEmit(ctx, envID, models.PhaseSoftwareCatalog, models.ProvisioningError, fmt.Sprintf("%s: no package name for detected manager %q", item.Name, mgr))
		return
	}
	p.logAndEmit(ctx, envID, models.PhaseSoftwareCatalog, models.ProvisioningRunning, item.Name)
	cmd, err := installCommand(mgr, pkg)
	if err != nil {
		p.logAndEmit(ctx, envID, models.PhaseSoftwareCatalog, models.ProvisioningError, fmt.Sprintf("%s: %v", item.Name, err))
		return
	}
	res, err := exec(ctx, cmd, DefaultTimeoutMs)
	if err != nil || res.Code != 0 {
		p.logAndEmit(ctx, envID, models.PhaseSoftwareCatalog, models.ProvisioningError, fmt.Sprintf("%s: %s", item.Name, firstNonEmpty(errString(err), res.Stderr)))
		return
	}
	p.logAndEmit(ctx, envID, models.PhaseSoftwareCatalog, models.ProvisioningSuccess, item.Name)
}

// runPoolItem executes one software-pool item per spec.md §4.6's item
// execution semantics: optional condition, then package|script|file, then
// optional post_command.
func (p *Provisioner) runPoolItem(ctx context.Context, exec ExecFunc, envID string, mgr models.PackageManager, item models.SoftwarePoolItem) {
	label := itemLabel(item)

	if item.Condition != nil && *item.Condition != "" {
		res, err := exec(ctx, *item.Condition, DefaultTimeoutMs)
		if err != nil || res.Code != 0 {
			p.logAndEmit(ctx, envID, models.PhaseSoftwarePool, models.ProvisioningSkipped, label)
			return
		}
	}

	p.logAndEmit(ctx, envID, models.PhaseSoftwarePool, models.ProvisioningRunning, label)

	var err error
	switch item.Type {
	case models.PoolItemPackage:
		err = p.runPoolPackage(ctx, exec, mgr, item)
	case models.PoolItemScript:
		err = p.runPoolScript(ctx, exec, item)
	case models.PoolItemFile:
		err = p.runPoolFile(ctx, exec, item)
	default:
		err = fmt.Errorf("unknown pool item type %q", item.Type)
	}

	if err != nil {
		if err == errSkip {
			p.logAndEmit(ctx, envID, models.PhaseSoftwarePool, models.ProvisioningSkipped, label)
			return
		}
		p.logAndEmit(ctx, envID, models.PhaseSoftwarePool, models.ProvisioningError, fmt.Sprintf("%s: %v", label, err))
		return
	}

	if item.PostCommand != nil && *item.PostCommand != "" {
		if res, perr := exec(ctx, *item.PostCommand, DefaultTimeoutMs); perr != nil || res.Code != 0 {
			p.logAndEmit(ctx, envID, models.PhaseSoftwarePool, models.ProvisioningError, fmt.Sprintf("%s: post_command failed: %s", label, firstNonEmpty(errString(perr), res.Stderr)))
			return
		}
	}

	p.logAndEmit(ctx, envID, models.PhaseSoftwarePool, models.ProvisioningSuccess, label)
}

// errSkip is a sentinel used internally to signal a mismatched-manager
// skip (spec.md: "mismatched specified manager → skip") without treating
// it as an error.
var errSkip = fmt.Errorf("skip")

func (p *Provisioner) runPoolPackage(ctx context.Context, exec ExecFunc, mgr models.PackageManager, item models.SoftwarePoolItem) error {
	targetMgr := mgr
	if item.Manager != nil {
		if *item.Manager != mgr {
			return errSkip
		}
		targetMgr = *item.Manager
	}
	cmd, err := installCommand(targetMgr, item.PackageName)
	if err != nil {
		return err
	}
	res, err := exec(ctx, cmd, DefaultTimeoutMs)
	if err != nil {
		return err
	}
	if res.Code != 0 {
		return fmt.Errorf("%s", firstNonEmpty(res.Stderr, res.Stdout))
	}
	return nil
}

func (p *Provisioner) runPoolScript(ctx context.Context, exec ExecFunc, item models.SoftwarePoolItem) error {
	interpreter := item.Interpreter
	if interpreter == "" {
		interpreter = "bash"
	}
	var cmd string
	if item.ScriptURL != nil && *item.ScriptURL != "" {
		cmd = fmt.Sprintf("curl -fsSL %s | %s", shellquote.Single(*item.ScriptURL), interpreter)
	} else if item.ScriptContent != nil {
		tmp := fmt.Sprintf("/tmp/spyre-script-%s.sh", uuid.New().String())
		write := shellquote.Heredoc(tmp, shellquote.ScriptEOF, *item.ScriptContent)
		cmd = shellquote.AndChain(write, fmt.Sprintf("%s %s", interpreter, shellquote.Single(tmp)), fmt.Sprintf("rm -f %s", shellquote.Single(tmp)))
	} else {
		return fmt.Errorf("script item has neither url nor content")
	}
	res, err := exec(ctx, cmd, DefaultTimeoutMs)
	if err != nil {
		return err
	}
	if res.Code != 0 {
		return fmt.Errorf("%s", firstNonEmpty(res.Stderr, res.Stdout))
	}
	return nil
}

func (p *Provisioner) runPoolFile(ctx context.Context, exec ExecFunc, item models.SoftwarePoolItem) error {
	if item.FileDest == "" {
		return fmt.Errorf("file item has no destination")
	}
	var write string
	if item.FileURL != nil && *item.FileURL != "" {
		write = fmt.Sprintf("curl -fsSL -o %s %s", shellquote.Single(item.FileDest), shellquote.Single(*item.FileURL))
	} else if item.FileContent != nil {
		write = shellquote.Heredoc(item.FileDest, shellquote.FileEOF, *item.FileContent)
	} else {
		return fmt.Errorf("file item has neither url nor content")
	}
	parts := []string{write}
	if item.FileMode != nil && *item.FileMode != "" {
		parts = append(parts, fmt.Sprintf("chmod %s %s", shellquote.Single(*item.FileMode), shellquote.Single(item.FileDest)))
	}
	if item.FileOwner != nil && *item.FileOwner != "" {
		parts = append(parts, fmt.Sprintf("chown %s %s", shellquote.Single(*item.FileOwner), shellquote.Single(item.FileDest)))
	}
	res, err := exec(ctx, shellquote.AndChain(parts...), DefaultTimeoutMs)
	if err != nil {
		return err
	}
	if res.Code != 0 {
		return fmt.Errorf("%s", firstNonEmpty(res.Stderr, res.Stdout))
	}
	return nil
}

func (p *Provisioner) runCommunityScript(ctx context.Context, exec ExecFunc, envID, url string) {
	p.logAndEmit(ctx, envID, models.PhaseCommunityScript, models.ProvisioningRunning, url)
	cmd := fmt.Sprintf("curl -fsSL %s | bash", shellquote.Single(url))
	res, err := exec(ctx, cmd, DefaultTimeoutMs)
	if err != nil || res.Code != 0 {
		p.logAndEmit(ctx, envID, models.PhaseCommunityScript, models.ProvisioningError, firstNonEmpty(errString(err), res.Stderr))
		return
	}
	p.logAndEmit(ctx, envID, models.PhaseCommunityScript, models.ProvisioningSuccess, url)
}

func (p *Provisioner) runCustomScript(ctx context.Context, exec ExecFunc, envID, script string) {
	p.logAndEmit(ctx, envID, models.PhaseCustomScript, models.ProvisioningRunning, "")
	tmp := fmt.Sprintf("/tmp/spyre-custom-%s.sh", uuid.New().String())
	write := shellquote.Heredoc(tmp, shellquote.ScriptEOF, script)
	cmd := shellquote.AndChain(write, fmt.Sprintf("bash %s", shellquote.Single(tmp)), fmt.Sprintf("rm -f %s", shellquote.Single(tmp)))
	res, err := exec(ctx, cmd, DefaultTimeoutMs)
	if err != nil || res.Code != 0 {
		p.logAndEmit(ctx, envID, models.PhaseCustomScript, models.ProvisioningError, firstNonEmpty(errString(err), res.Stderr))
		return
	}
	p.logAndEmit(ctx, envID, models.PhaseCustomScript, models.ProvisioningSuccess, "")
}

// sudoGroup returns the distro-appropriate admin group for the detected
// package manager: Debian-family uses "sudo", everything else in this
// probe set uses "wheel".
func sudoGroup(mgr models.PackageManager) string {
	if mgr == models.PackageManagerApt {
		return "sudo"
	}
	return "wheel"
}

func (p *Provisioner) runDefaultUser(ctx context.Context, exec ExecFunc, envID string, mgr models.PackageManager, u models.DefaultUserSpec) {
	p.logAndEmit(ctx, envID, models.PhaseDefaultUser, models.ProvisioningRunning, u.Username)

	group := sudoGroup(mgr)
	homeDir := fmt.Sprintf("/home/%s", u.Username)
	parts := []string{
		fmt.Sprintf("useradd -m -s /bin/bash %s", shellquote.Single(u.Username)),
		fmt.Sprintf("echo %s | chpasswd", shellquote.Single(fmt.Sprintf("%s:%s", u.Username, u.Password))),
		fmt.Sprintf("usermod -aG %s %s", shellquote.Single(group), shellquote.Single(u.Username)),
	}
	res, err := exec(ctx, shellquote.AndChain(parts...), DefaultTimeoutMs)
	if err != nil || res.Code != 0 {
		p.logAndEmit(ctx, envID, models.PhaseDefaultUser, models.ProvisioningError, fmt.Sprintf("%s: %s", u.Username, firstNonEmpty(errString(err), res.Stderr)))
		return
	}

	if len(u.AuthorizedKeys) > 0 {
		sshDir := fmt.Sprintf("%s/.ssh", homeDir)
		authKeysPath := fmt.Sprintf("%s/authorized_keys", sshDir)
		content := strings.Join(u.AuthorizedKeys, "\n")
		write := shellquote.AndChain(
			fmt.Sprintf("mkdir -p %s", shellquote.Single(sshDir)),
			shellquote.Heredoc(authKeysPath, shellquote.FileEOF, content),
			fmt.Sprintf("chmod 700 %s", shellquote.Single(sshDir)),
			fmt.Sprintf("chmod 600 %s", shellquote.Single(authKeysPath)),
			fmt.Sprintf("chown -R %s:%s %s", shellquote.Single(u.Username), shellquote.Single(u.Username), shellquote.Single(sshDir)),
		)
		res, err = exec(ctx, write, DefaultTimeoutMs)
		if err != nil || res.Code != 0 {
			p.logAndEmit(ctx, envID, models.PhaseDefaultUser, models.ProvisioningError, fmt.Sprintf("%s: authorized_keys: %s", u.Username, firstNonEmpty(errString(err), res.Stderr)))
			return
		}
	}

	p.logAndEmit(ctx, envID, models.PhaseDefaultUser, models.ProvisioningSuccess, u.Username)
}

func (p *Provisioner) logAndEmit(ctx context.Context, envID string, phase models.ProvisioningPhase, status models.ProvisioningStatus, message string) {
	entry := &models.ProvisioningLogEntry{
		ID:            uuid.New().String(),
		EnvironmentID: envID,
		Phase:         phase,
		Status:        status,
		Message:       message,
		Timestamp:     time.Now(),
	}
	if err := p.store.AppendProvisioningLog(ctx, entry); err != nil {
		slog.Warn("provisioner: failed to persist log entry", "environment_id", envID, "phase", phase, "err", err)
	}
	metrics.RecordProvisioningPhase(string(phase), string(status))
	if p.bus != nil {
		p.bus.Emit(events.ProvisioningTopic(envID), events.ProvisioningEventPayload{
			EnvironmentID: envID,
			Phase:         string(phase),
			Status:        string(status),
			Message:       message,
		})
	}
	if status == models.ProvisioningError {
		slog.Warn("provisioner: stage failed", "environment_id", envID, "phase", phase, "message", message)
	}
}

func itemLabel(item models.SoftwarePoolItem) string {
	switch item.Type {
	case models.PoolItemPackage:
		return item.PackageName
	case models.PoolItemFile:
		return item.FileDest
	default:
		if item.ScriptURL != nil {
			return *item.ScriptURL
		}
		return string(item.Type)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
