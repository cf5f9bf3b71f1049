package nat

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// FakeManager provides an in-memory DNAT rule table.
// It simulates iptables behavior for development and testing.
type FakeManager struct {
	rules     map[string]Rule
	addErr    error
	deleteErr error
	mu        sync.Mutex
	logger    *zap.Logger
}

// type check
var _ Manager = (*FakeManager)(nil)

// NewFakeManager creates an empty in-memory Manager.
func NewFakeManager(logger *zap.Logger) *FakeManager {
	return &FakeManager{
		rules:  make(map[string]Rule),
		logger: logger,
	}
}

// InjectErrors makes subsequent installs and removals fail with the given
// errors. Nil clears the failure.
func (m *FakeManager) InjectErrors(addErr, deleteErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addErr = addErr
	m.deleteErr = deleteErr
}

func (m *FakeManager) AddRule(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrRuleInstall, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rules[rule.Key()]; exists {
		m.logger.Debug("fake: DNAT rule already present", zap.String("rule", rule.Key()))
		return nil
	}
	if m.addErr != nil {
		return fmt.Errorf("%w: %s: %w", ErrRuleInstall, rule.Key(), m.addErr)
	}

	m.rules[rule.Key()] = rule
	m.logger.Debug("fake: added DNAT rule", zap.String("rule", rule.Key()))
	return nil
}

func (m *FakeManager) DeleteRule(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrRuleRemove, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rules[rule.Key()]; !exists {
		m.logger.Debug("fake: DNAT rule not present", zap.String("rule", rule.Key()))
		return nil
	}
	if m.deleteErr != nil {
		return fmt.Errorf("%w: %s: %w", ErrRuleRemove, rule.Key(), m.deleteErr)
	}

	delete(m.rules, rule.Key())
	m.logger.Debug("fake: deleted DNAT rule", zap.String("rule", rule.Key()))
	return nil
}

func (m *FakeManager) Exists(rule Rule) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, exists := m.rules[rule.Key()]
	return exists, nil
}

// List returns all rules sorted by key.
func (m *FakeManager) List() ([]Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.rules))
	for key := range m.rules {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	rules := make([]Rule, 0, len(keys))
	for _, key := range keys {
		rules = append(rules, m.rules[key])
	}
	return rules, nil
}
