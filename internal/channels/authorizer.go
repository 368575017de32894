package channels

import (
	"encoding/json"
	"fmt"
	"sync"

	"semaphore/internal/protocol"
	"semaphore/pkg/logging"
)

// AuthRequest carries the subscription context handed to an authorization
// rule.
type AuthRequest struct {
	SocketID    string
	UserID      string
	Channel     string
	Params      map[string]string
	ChannelData json.RawMessage
}

// AuthFunc decides a subscription. Returning false or nil denies. Returning
// true allows. Any other non-nil value allows and is taken as the presence
// member for presence channels.
type AuthFunc func(req AuthRequest) (interface{}, error)

// Authorization is the outcome of a successful rule evaluation.
type Authorization struct {
	// Member is non-nil when the rule supplied a presence member value.
	Member interface{}
}

type authRule struct {
	pattern *Pattern
	fn      AuthFunc
}

// Authorizer holds channel authorization rules and evaluates them in
// registration order, first match wins.
type Authorizer struct {
	mu     sync.RWMutex
	rules  []authRule
	logger logging.Logger
}

func NewAuthorizer(logger logging.Logger) *Authorizer {
	return &Authorizer{logger: logger}
}

// Register installs a rule for a channel template. Registering the same
// template again replaces the rule in place, keeping its match priority.
func (a *Authorizer) Register(template string, fn AuthFunc) error {
	pattern, err := CompilePattern(template)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for i, rule := range a.rules {
		if rule.pattern.Template() == template {
			a.rules[i].fn = fn
			return nil
		}
	}
	a.rules = append(a.rules, authRule{pattern: pattern, fn: fn})
	return nil
}

// Authorize evaluates the first rule whose pattern matches the channel.
// Callers invoke it for non-public channels only; a channel with no
// matching rule is denied.
func (a *Authorizer) Authorize(req AuthRequest) (*Authorization, *protocol.Error) {
	a.mu.RLock()
	rules := a.rules
	a.mu.RUnlock()

	for _, rule := range rules {
		params, ok := rule.pattern.Match(req.Channel)
		if !ok {
			continue
		}
		req.Params = params

		result, err := a.evaluate(rule.fn, req)
		if err != nil {
			a.logger.WithError(err).WithField("channel", req.Channel).Error("Authorization rule failed")
			return nil, &protocol.Error{Kind: protocol.ErrServer, Message: "authorization failed", Status: 500}
		}
		switch v := result.(type) {
		case nil:
			return nil, denied(req.Channel)
		case bool:
			if !v {
				return nil, denied(req.Channel)
			}
			return &Authorization{}, nil
		default:
			return &Authorization{Member: v}, nil
		}
	}

	return nil, denied(req.Channel)
}

// evaluate runs a rule with panic containment so a misbehaving callback
// cannot take down the frame loop.
func (a *Authorizer) evaluate(fn AuthFunc, req AuthRequest) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("authorization rule panicked: %v", r)
		}
	}()
	return fn(req)
}

func denied(channel string) *protocol.Error {
	return &protocol.Error{
		Kind:    protocol.ErrAuth,
		Message: fmt.Sprintf("subscription to %s denied", channel),
		Status:  401,
	}
}
