package store

import "context"

const (
	keyLastURL   = "last_url"
	keyLastModel = "last_model"
)

// Preferences remembers the last connected server and the last selected
// model. Nothing in the message pipeline depends on it for correctness.
type Preferences struct {
	kv KV
}

func NewPreferences(kv KV) *Preferences {
	if kv == nil {
		kv = NewMemoryKV()
	}
	return &Preferences{kv: kv}
}

func (p *Preferences) LastURL(ctx context.Context) string {
	value, _, err := p.kv.Get(ctx, keyLastURL)
	if err != nil {
		return ""
	}
	return value
}

func (p *Preferences) SetLastURL(ctx context.Context, url string) error {
	return p.kv.Set(ctx, keyLastURL, url)
}

func (p *Preferences) LastModel(ctx context.Context) string {
	value, _, err := p.kv.Get(ctx, keyLastModel)
	if err != nil {
		return ""
	}
	return value
}

func (p *Preferences) SetLastModel(ctx context.Context, model string) error {
	return p.kv.Set(ctx, keyLastModel, model)
}
