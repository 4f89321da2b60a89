//go:build js && wasm

package keys

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/syumai/workers/cloudflare/kv"
)

const (
	// KVNamespace is the KV binding name configured in wrangler.toml.
	KVNamespace = "deepinfra_proxy_kv"
	kvKeysEntry = "valid_api_keys"
	kvCacheTTL  = time.Minute
)

// KVValidator accepts keys stored in Cloudflare KV under valid_api_keys,
// in the same format as a key file. Lookups are cached for a minute per
// worker isolate.
type KVValidator struct {
	ns *kv.Namespace

	mu       sync.Mutex
	keys     *Static
	loadedAt time.Time
}

// NewKVValidator opens the KV binding.
func NewKVValidator(binding string) (*KVValidator, error) {
	ns, err := kv.NewNamespace(binding)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize KV namespace: %w", err)
	}
	return &KVValidator{ns: ns}, nil
}

func (v *KVValidator) IsValid(key string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.keys == nil || time.Since(v.loadedAt) > kvCacheTTL {
		if err := v.refresh(); err != nil && v.keys == nil {
			return false
		}
	}
	return v.keys.IsValid(key)
}

func (v *KVValidator) refresh() error {
	raw, err := v.ns.GetString(kvKeysEntry, nil)
	if err != nil {
		return fmt.Errorf("failed to get keys from KV: %w", err)
	}
	list, err := ParseList(strings.NewReader(raw))
	if err != nil {
		return err
	}
	v.keys = NewStatic(list)
	v.loadedAt = time.Now()
	return nil
}
