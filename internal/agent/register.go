package agent

import (
	"github.com/parley-run/parley/internal/domain"
	"github.com/parley-run/parley/internal/orchestrator"
)

// Registrar is the subset of the orchestrator used to bind strategy
// factories. Satisfied by *orchestrator.Orchestrator.
type Registrar interface {
	RegisterFactory(strategyType domain.StrategyType, factory orchestrator.AgentFactory)
}

// RegisterAll binds the three server-managed strategies. scripts and replays
// may be nil, in which case ScriptFromInstructions and an empty replay list
// are used.
func RegisterAll(r Registrar, completer Completer, synth ToolSynthesizer, scenarios ScenarioLookup, maxSteps int, scripts ScriptSource, replays ReplaySource) {
	if scripts == nil {
		scripts = ScriptFromInstructions
	}
	if replays == nil {
		replays = func(domain.AgentConfig) []ReplayTurn { return nil }
	}

	r.RegisterFactory(domain.StrategyScenarioDriven, func(cfg domain.AgentConfig, client orchestrator.Client) (orchestrator.Agent, error) {
		return NewScenarioDriven(cfg, client, completer, synth, scenarios, maxSteps), nil
	})
	r.RegisterFactory(domain.StrategySequentialScript, func(cfg domain.AgentConfig, client orchestrator.Client) (orchestrator.Agent, error) {
		return NewSequentialScript(cfg, client, scripts(cfg)), nil
	})
	r.RegisterFactory(domain.StrategyStaticReplay, func(cfg domain.AgentConfig, client orchestrator.Client) (orchestrator.Agent, error) {
		return NewStaticReplay(cfg, client, replays(cfg)), nil
	})
}
