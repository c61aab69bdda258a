package config

import (
	"path/filepath"
	"time"
)

// Config keys
const (
	KeyActor = "actor"
	KeyJSON  = "json"

	KeyManagementRoot = "paths.management_root"

	KeyLockTimeout      = "locks.timeout"
	KeyLockPollInterval = "locks.poll_interval"
	KeyLockNFSSafe      = "locks.nfs_safe"
	KeyLockStaleAge     = "locks.stale_age"

	KeyValidationMaxWorkers       = "validation.max_workers"
	KeyValidationValidatorTimeout = "validation.validator_timeout"
	KeyValidationWaves            = "validation.waves"
	KeyValidationBundleFile       = "validation.bundle_file"
	KeyValidationDefaultScope     = "validation.default_scope"
	KeyValidationRequiredEvidence = "validation.required_evidence"
	KeyValidationModel            = "validation.anthropic_model"

	KeySessionBaseBranch      = "session.base_branch"
	KeySessionWorktreeDir     = "session.worktree_dir"
	KeySessionBranchPrefix    = "session.branch_prefix"
	KeySessionEnforceWorktree = "session.enforce_worktree"
	KeySessionGitTimeout      = "session.git_timeout"

	KeyTaskReadyState       = "tasks.ready_state"
	KeyTaskSatisfyingStates = "tasks.satisfying_states"

	KeyTelemetryEnabled        = "telemetry.enabled"
	KeyTelemetryStdout         = "telemetry.stdout"
	KeyTelemetryOTLPEndpoint   = "telemetry.otlp_endpoint"
	KeyTelemetryExportInterval = "telemetry.export_interval"

	KeyStateMachine = "statemachine"
	KeyValidators   = "validators"
)

// RegisterPathDefaults registers defaults for filesystem layout.
func RegisterPathDefaults() {
	v.SetDefault(KeyManagementRoot, ".project")
}

// RegisterLockDefaults registers defaults for the lock manager.
func RegisterLockDefaults() {
	v.SetDefault(KeyLockTimeout, "30s")
	v.SetDefault(KeyLockPollInterval, "100ms")
	v.SetDefault(KeyLockNFSSafe, true)
	v.SetDefault(KeyLockStaleAge, "1h")
}

// RegisterValidationDefaults registers defaults for validator execution.
func RegisterValidationDefaults() {
	v.SetDefault(KeyValidationMaxWorkers, 4)
	v.SetDefault(KeyValidationValidatorTimeout, "10m")
	v.SetDefault(KeyValidationWaves, []string{"critical", "comprehensive"})
	v.SetDefault(KeyValidationBundleFile, "bundle-approved.json")
	v.SetDefault(KeyValidationDefaultScope, "bundle")
	v.SetDefault(KeyValidationRequiredEvidence, []string{"implementation-report.json"})
	v.SetDefault(KeyValidationModel, "claude-sonnet-4-5")
}

// RegisterSessionDefaults registers defaults for sessions and worktrees.
func RegisterSessionDefaults() {
	v.SetDefault(KeySessionBaseBranch, "main")
	v.SetDefault(KeySessionWorktreeDir, ".worktrees")
	v.SetDefault(KeySessionBranchPrefix, "session/")
	v.SetDefault(KeySessionEnforceWorktree, false)
	v.SetDefault(KeySessionGitTimeout, "60s")
}

// RegisterTaskDefaults registers defaults for readiness evaluation.
func RegisterTaskDefaults() {
	v.SetDefault(KeyTaskReadyState, "todo")
	v.SetDefault(KeyTaskSatisfyingStates, []string{"done", "validated"})
}

// RegisterTelemetryDefaults registers defaults for OpenTelemetry export.
func RegisterTelemetryDefaults() {
	v.SetDefault(KeyTelemetryEnabled, false)
	v.SetDefault(KeyTelemetryStdout, false)
	v.SetDefault(KeyTelemetryOTLPEndpoint, "")
	v.SetDefault(KeyTelemetryExportInterval, "30s")
}

// ManagementRoot returns the absolute management root.
func ManagementRoot() string {
	root := GetString(KeyManagementRoot)
	if filepath.IsAbs(root) {
		return root
	}
	return filepath.Join(repoRoot, root)
}

// LockSettings configures lock acquisition and the stale sweep.
type LockSettings struct {
	Timeout      time.Duration
	PollInterval time.Duration
	NFSSafe      bool
	StaleAge     time.Duration
}

// GetLockSettings returns the current lock configuration.
func GetLockSettings() LockSettings {
	return LockSettings{
		Timeout:      GetDuration(KeyLockTimeout),
		PollInterval: GetDuration(KeyLockPollInterval),
		NFSSafe:      GetBool(KeyLockNFSSafe),
		StaleAge:     GetDuration(KeyLockStaleAge),
	}
}

// ValidationSettings configures rounds and validator execution.
type ValidationSettings struct {
	MaxWorkers       int
	ValidatorTimeout time.Duration
	Waves            []string
	BundleFile       string
	DefaultScope     string
	RequiredEvidence []string
	Model            string
}

// GetValidationSettings returns the current validation configuration.
func GetValidationSettings() ValidationSettings {
	workers := GetInt(KeyValidationMaxWorkers)
	if workers < 1 {
		workers = 1
	}
	return ValidationSettings{
		MaxWorkers:       workers,
		ValidatorTimeout: GetDuration(KeyValidationValidatorTimeout),
		Waves:            GetStringSlice(KeyValidationWaves),
		BundleFile:       GetString(KeyValidationBundleFile),
		DefaultScope:     GetString(KeyValidationDefaultScope),
		RequiredEvidence: GetStringSlice(KeyValidationRequiredEvidence),
		Model:            GetString(KeyValidationModel),
	}
}

// SessionSettings configures session worktrees.
type SessionSettings struct {
	BaseBranch      string
	WorktreeDir     string
	BranchPrefix    string
	EnforceWorktree bool
	GitTimeout      time.Duration
}

// GetSessionSettings returns the current session configuration.
func GetSessionSettings() SessionSettings {
	dir := GetString(KeySessionWorktreeDir)
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(repoRoot, dir)
	}
	return SessionSettings{
		BaseBranch:      GetString(KeySessionBaseBranch),
		WorktreeDir:     dir,
		BranchPrefix:    GetString(KeySessionBranchPrefix),
		EnforceWorktree: GetBool(KeySessionEnforceWorktree),
		GitTimeout:      GetDuration(KeySessionGitTimeout),
	}
}

// TaskSettings configures dependency readiness.
type TaskSettings struct {
	ReadyState       string
	SatisfyingStates []string
}

// GetTaskSettings returns the current readiness configuration.
func GetTaskSettings() TaskSettings {
	return TaskSettings{
		ReadyState:       GetString(KeyTaskReadyState),
		SatisfyingStates: GetStringSlice(KeyTaskSatisfyingStates),
	}
}

// TelemetrySettings configures span and metric export.
type TelemetrySettings struct {
	Enabled        bool
	Stdout         bool
	OTLPEndpoint   string
	ExportInterval time.Duration
}

// GetTelemetrySettings returns the current telemetry configuration.
func GetTelemetrySettings() TelemetrySettings {
	return TelemetrySettings{
		Enabled:        GetBool(KeyTelemetryEnabled),
		Stdout:         GetBool(KeyTelemetryStdout),
		OTLPEndpoint:   GetString(KeyTelemetryOTLPEndpoint),
		ExportInterval: GetDuration(KeyTelemetryExportInterval),
	}
}
