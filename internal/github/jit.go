package github

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/actions/scaleset"
)

// JITConfigGenerator is the part of *scaleset.Client that issues
// just-in-time runner configs.
type JITConfigGenerator interface {
	GenerateJitRunnerConfig(ctx context.Context, setting *scaleset.RunnerScaleSetJitRunnerSetting, scaleSetID int) (*scaleset.RunnerScaleSetJitRunnerConfig, error)
}

// JITProvider issues encoded JIT configs for runners in one scale set.
type JITProvider struct {
	client     JITConfigGenerator
	scaleSetID int
}

// Compile-time check.
var _ CredentialProvider = (*JITProvider)(nil)

// NewJITProvider returns a provider bound to scaleSetID.
func NewJITProvider(client JITConfigGenerator, scaleSetID int) *JITProvider {
	return &JITProvider{client: client, scaleSetID: scaleSetID}
}

// Credential implements CredentialProvider.
func (p *JITProvider) Credential(ctx context.Context, runnerName string) (Credential, error) {
	jit, err := p.client.GenerateJitRunnerConfig(ctx, &scaleset.RunnerScaleSetJitRunnerSetting{
		Name: runnerName,
	}, p.scaleSetID)
	if err != nil {
		return Credential{}, fmt.Errorf("generate JIT config for %s: %w", runnerName, err)
	}
	if jit == nil || jit.EncodedJITConfig == "" {
		return Credential{}, fmt.Errorf("generate JIT config for %s: empty config", runnerName)
	}
	return Credential{EnvName: EnvJITConfig, Value: jit.EncodedJITConfig}, nil
}

// ScaleSetAPI is the part of *scaleset.Client used to register the scale
// set JIT runners join.
type ScaleSetAPI interface {
	GetRunnerGroupByName(ctx context.Context, name string) (*scaleset.RunnerGroup, error)
	CreateRunnerScaleSet(ctx context.Context, set *scaleset.RunnerScaleSet) (*scaleset.RunnerScaleSet, error)
}

// ScaleSetConfig describes the scale set to register.
type ScaleSetConfig struct {
	Name        string
	RunnerGroup string
	Labels      []string
}

// RegisterScaleSet creates (or re-registers) the runner scale set and
// returns its id.
func RegisterScaleSet(ctx context.Context, api ScaleSetAPI, cfg ScaleSetConfig, logger *slog.Logger) (int, error) {
	groupID := 1
	if cfg.RunnerGroup != "" && cfg.RunnerGroup != scaleset.DefaultRunnerGroup {
		rg, err := api.GetRunnerGroupByName(ctx, cfg.RunnerGroup)
		if err != nil {
			return 0, fmt.Errorf("looking up runner group %q: %w", cfg.RunnerGroup, err)
		}
		groupID = rg.ID
	}

	labels := make([]scaleset.Label, 0, len(cfg.Labels)+1)
	for _, l := range cfg.Labels {
		labels = append(labels, scaleset.Label{Name: l})
	}
	if len(labels) == 0 {
		labels = append(labels, scaleset.Label{Name: cfg.Name})
	}

	set, err := api.CreateRunnerScaleSet(ctx, &scaleset.RunnerScaleSet{
		Name:          cfg.Name,
		RunnerGroupID: groupID,
		Labels:        labels,
		RunnerSetting: scaleset.RunnerSetting{
			DisableUpdate: true,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("creating runner scale set: %w", err)
	}

	logger.Info("runner scale set registered",
		slog.Int("scaleSetID", set.ID),
		slog.String("name", set.Name),
	)
	return set.ID, nil
}
