package interceptors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glimte/fabricbridge/contracts"
)

// ErrFiltered is returned by a FilteringInterceptor configured with SkipWithError
var ErrFiltered = errors.New("message filtered")

// MessageFilter decides whether a message reaches the callback
type MessageFilter interface {
	// ShouldProcess returns true if the message should be processed
	ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, msg *contracts.Message) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	return f(ctx, msg)
}

// SkipBehavior defines what happens when a message is filtered out
type SkipBehavior int

const (
	// SkipSilently answers with an empty payload
	SkipSilently SkipBehavior = iota
	// SkipWithError fails the invocation with ErrFiltered
	SkipWithError
)

// FilteringInterceptor filters messages based on conditions
type FilteringInterceptor struct {
	filter       MessageFilter
	skipBehavior SkipBehavior
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, skipBehavior SkipBehavior) *FilteringInterceptor {
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
	}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, msg *contracts.Message, next contracts.Callback) (string, error) {
	shouldProcess, err := i.filter.ShouldProcess(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("filter error: %w", err)
	}

	if !shouldProcess {
		if i.skipBehavior == SkipWithError {
			return "", fmt.Errorf("%w: topic=%s, id=%s", ErrFiltered, msg.Topic, msg.MessageID)
		}
		return "", nil
	}
	return next.Invoke(ctx, msg)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - all filters must return true
func (f *CompositeFilter) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, msg)
		if err != nil {
			return false, err
		}
		if !shouldProcess {
			return false, nil
		}
	}
	return true, nil
}

// OrFilter combines multiple filters with OR logic
type OrFilter struct {
	filters []MessageFilter
}

// NewOrFilter creates a new OR filter
func NewOrFilter(filters ...MessageFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - at least one filter must return true
func (f *OrFilter) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, msg)
		if err != nil {
			return false, err
		}
		if shouldProcess {
			return true, nil
		}
	}
	return false, nil
}

// TopicFilter passes messages whose topic matches one of its patterns.
// A pattern ending in "/#" matches the prefix and everything below it;
// "#" alone matches every topic.
type TopicFilter struct {
	patterns []string
}

// NewTopicFilter creates a topic filter
func NewTopicFilter(patterns ...string) *TopicFilter {
	return &TopicFilter{patterns: patterns}
}

// ShouldProcess implements MessageFilter
func (f *TopicFilter) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	for _, p := range f.patterns {
		if MatchTopic(p, msg.Topic) {
			return true, nil
		}
	}
	return false, nil
}

// MatchTopic reports whether topic matches pattern
func MatchTopic(pattern, topic string) bool {
	switch {
	case pattern == "#":
		return true
	case strings.HasSuffix(pattern, "/#"):
		prefix := strings.TrimSuffix(pattern, "#")
		return strings.HasPrefix(topic, prefix) || topic == strings.TrimSuffix(prefix, "/")
	default:
		return pattern == topic
	}
}

// MessageTypeFilter passes only the given message types
type MessageTypeFilter struct {
	allowed map[contracts.MessageType]bool
}

// NewMessageTypeFilter creates a filter that only allows specific message types
func NewMessageTypeFilter(allowedTypes ...contracts.MessageType) *MessageTypeFilter {
	allowed := make(map[contracts.MessageType]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[t] = true
	}
	return &MessageTypeFilter{allowed: allowed}
}

// ShouldProcess implements MessageFilter
func (f *MessageTypeFilter) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	return f.allowed[msg.Type], nil
}

// ConditionalInterceptor executes an interceptor only if a condition is met
type ConditionalInterceptor struct {
	condition   MessageFilter
	interceptor Interceptor
}

// NewConditionalInterceptor creates a new conditional interceptor
func NewConditionalInterceptor(condition MessageFilter, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{
		condition:   condition,
		interceptor: interceptor,
	}
}

// Intercept implements Interceptor
func (i *ConditionalInterceptor) Intercept(ctx context.Context, msg *contracts.Message, next contracts.Callback) (string, error) {
	shouldExecute, err := i.condition.ShouldProcess(ctx, msg)
	if err != nil {
		return "", err
	}
	if shouldExecute {
		return i.interceptor.Intercept(ctx, msg, next)
	}
	return next.Invoke(ctx, msg)
}

// Name implements Interceptor
func (i *ConditionalInterceptor) Name() string {
	return fmt.Sprintf("ConditionalInterceptor[%s]", i.interceptor.Name())
}
