package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	xerrors "ChainGuard/internal/errors"
	"ChainGuard/internal/dispatch/ethereum"
	"ChainGuard/internal/guard"
)

// Registry manages a set of chain dispatchers keyed by human readable names.
// A request is routed by its Chain field; requests naming an unknown chain
// are rejected rather than silently sent to the default.
type Registry struct {
	defaultChain string
	dispatchers  map[string]Dispatcher
}

var _ Dispatcher = (*Registry)(nil)

// RegistryConfig configures registry construction.
type RegistryConfig struct {
	// ChainConfig is a path to the YAML chain definitions file.
	ChainConfig  string
	DefaultChain string
}

// NewRegistry loads chain definitions and instantiates concrete dispatchers.
func NewRegistry(ctx context.Context, cfg RegistryConfig) (*Registry, error) {
	defs, err := LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	dispatchers := make(map[string]Dispatcher)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			keyEnv := chain.PrivateKeyEnv
			if keyEnv == "" {
				keyEnv = "CHAINGUARD_DISPATCH_KEY"
			}
			dispatcher, err := ethereum.NewDispatcher(ctx, ethereum.Config{
				Name:           name,
				RPCURL:         chain.RPCURL,
				PrivateKeyHex:  os.Getenv(keyEnv),
				ConfirmTimeout: chain.ConfirmTimeout,
				GasLimit:       chain.GasLimit,
			})
			if err != nil {
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			dispatchers[name] = dispatcher
		case "stub":
			dispatchers[name] = &StubDispatcher{}
		default:
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}

	if len(dispatchers) == 0 {
		return nil, errors.New("未配置任何链的派发端点")
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		names := make([]string, 0, len(dispatchers))
		for name := range dispatchers {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := dispatchers[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, dispatchers: dispatchers}, nil
}

// Dispatch routes the request to the dispatcher for its chain.
func (r *Registry) Dispatch(ctx context.Context, req *guard.TransactionRequest) (*guard.DispatchReceipt, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "派发注册表未初始化")
	}
	name := strings.ToLower(strings.TrimSpace(req.Chain))
	if name == "" {
		name = r.defaultChain
	}
	dispatcher, ok := r.dispatchers[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeDispatchFailure,
			fmt.Sprintf("链 %s 未在注册表中", name))
	}
	return dispatcher.Dispatch(ctx, req)
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.dispatchers))
	for name := range r.dispatchers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases all dispatchers managed by the registry.
func (r *Registry) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for name, dispatcher := range r.dispatchers {
		if dispatcher != nil {
			if err := dispatcher.Close(); err != nil {
				errs = append(errs, fmt.Errorf("chain %s: %w", name, err))
			}
		}
		delete(r.dispatchers, name)
	}
	return errors.Join(errs...)
}
