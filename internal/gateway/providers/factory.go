package providers

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/auth"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// ConfigStore looks up protocol configs.
type ConfigStore interface {
	GetProtocolConfig(ctx context.Context, channelType int, apiVersion string) (*models.ProtocolConfig, error)
	GetDefaultProtocolConfig(ctx context.Context, channelType int) (*models.ProtocolConfig, error)
}

type adaptorKey struct {
	channelType int
	apiVersion  string
}

// Factory selects the adaptor for a channel. A stored protocol config for
// the channel's type and API version wins, then the type's default config,
// then the built-in adaptor for the type.
type Factory struct {
	configs ConfigStore

	openai  *OpenAIAdaptor
	claude  *ClaudeAdaptor
	gemini  *GeminiAdaptor
	vertex  *VertexAdaptor
	bedrock *BedrockAdaptor

	mu    sync.RWMutex
	cache map[adaptorKey]Adaptor
}

// NewFactory creates a factory. configs may be nil, in which case only the
// built-in adaptors are used.
func NewFactory(configs ConfigStore, tokens *auth.TokenSource) *Factory {
	return &Factory{
		configs: configs,
		openai:  NewOpenAIAdaptor(),
		claude:  NewClaudeAdaptor(),
		gemini:  NewGeminiAdaptor(),
		vertex:  NewVertexAdaptor(tokens),
		bedrock: NewBedrockAdaptor(),
		cache:   make(map[adaptorKey]Adaptor),
	}
}

// Static returns the built-in adaptor for a channel type. Unknown types are
// treated as OpenAI-compatible.
func (f *Factory) Static(channelType int) Adaptor {
	switch channelType {
	case models.ChannelTypeAnthropic:
		return f.claude
	case models.ChannelTypeGemini:
		return f.gemini
	case models.ChannelTypeVertexAI:
		return f.vertex
	case models.ChannelTypeAws:
		return f.bedrock
	default:
		return f.openai
	}
}

// Get returns the adaptor for ch.
func (f *Factory) Get(ctx context.Context, ch *models.Channel) Adaptor {
	key := adaptorKey{channelType: ch.Type, apiVersion: ch.APIVersion}

	f.mu.RLock()
	a, ok := f.cache[key]
	f.mu.RUnlock()
	if ok {
		return a
	}

	a, cacheable := f.load(ctx, key)
	if cacheable {
		f.mu.Lock()
		f.cache[key] = a
		f.mu.Unlock()
	}
	return a
}

// load resolves an adaptor. Store failures fall back to the built-in
// adaptor without caching so the next call retries the lookup.
func (f *Factory) load(ctx context.Context, key adaptorKey) (Adaptor, bool) {
	if f.configs == nil {
		return f.Static(key.channelType), true
	}

	if key.apiVersion != "" {
		cfg, err := f.configs.GetProtocolConfig(ctx, key.channelType, key.apiVersion)
		switch {
		case err == nil:
			return NewDynamicAdaptor(*cfg), true
		case !errors.Is(err, database.ErrNotFound):
			log.Printf("providers: protocol config lookup failed: %v", err)
			return f.Static(key.channelType), false
		}
	}

	cfg, err := f.configs.GetDefaultProtocolConfig(ctx, key.channelType)
	switch {
	case err == nil:
		return NewDynamicAdaptor(*cfg), true
	case !errors.Is(err, database.ErrNotFound):
		log.Printf("providers: default protocol config lookup failed: %v", err)
		return f.Static(key.channelType), false
	}
	return f.Static(key.channelType), true
}

// ClearCache drops every cached adaptor.
func (f *Factory) ClearCache() {
	f.mu.Lock()
	f.cache = make(map[adaptorKey]Adaptor)
	f.mu.Unlock()
}

// Invalidate drops the cached adaptor for one channel type and API version.
func (f *Factory) Invalidate(channelType int, apiVersion string) {
	f.mu.Lock()
	delete(f.cache, adaptorKey{channelType: channelType, apiVersion: apiVersion})
	f.mu.Unlock()
}
