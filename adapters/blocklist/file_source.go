package blocklist

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
)

// List is the on-disk blocklist format.
//
//	addresses:
//	  - "0x..."
//	domains:
//	  - "evil.example"
//	protected_domains:
//	  - "wallet.example"
type List struct {
	Addresses        []string `yaml:"addresses"`
	Domains          []string `yaml:"domains"`
	ProtectedDomains []string `yaml:"protected_domains"`
}

// FileSource serves a blocklist loaded from a YAML file
type FileSource struct {
	name      string
	addresses map[string]struct{}
	domains   map[string]struct{}
	protected []string
	mu        sync.RWMutex
}

// ReadList reads and parses a YAML blocklist without normalising it.
func ReadList(path string) (List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return List{}, fmt.Errorf("failed to read blocklist file: %w", err)
	}

	var list List
	if err := yaml.Unmarshal(data, &list); err != nil {
		return List{}, fmt.Errorf("failed to parse blocklist file: %w", err)
	}
	return list, nil
}

// LoadFile reads a YAML blocklist into a source.
func LoadFile(path string) (*FileSource, error) {
	list, err := ReadList(path)
	if err != nil {
		return nil, err
	}
	return NewFileSource("file:"+path, list)
}

// NewFileSource builds a source from an already parsed list. Entries are
// normalised; a malformed entry rejects the whole list.
func NewFileSource(name string, list List) (*FileSource, error) {
	s := &FileSource{name: name}
	if err := s.Replace(list); err != nil {
		return nil, err
	}
	return s, nil
}

// Replace swaps the served entries atomically.
func (s *FileSource) Replace(list List) error {
	addresses := make(map[string]struct{}, len(list.Addresses))
	for _, a := range list.Addresses {
		norm, err := core.ValidateWalletAddress(a)
		if err != nil {
			return fmt.Errorf("blocklist address %q: %w", a, err)
		}
		addresses[norm] = struct{}{}
	}

	domains := make(map[string]struct{}, len(list.Domains))
	for _, d := range list.Domains {
		norm, err := core.NormalizeHost(d)
		if err != nil {
			return fmt.Errorf("blocklist domain %q: %w", d, err)
		}
		domains[norm] = struct{}{}
	}

	protected := make([]string, 0, len(list.ProtectedDomains))
	for _, d := range list.ProtectedDomains {
		norm, err := core.NormalizeHost(d)
		if err != nil {
			return fmt.Errorf("protected domain %q: %w", d, err)
		}
		protected = append(protected, norm)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.addresses = addresses
	s.domains = domains
	s.protected = protected
	return nil
}

func (s *FileSource) Name() string { return s.name }

// ProtectedDomains lists the legitimate domains look-alikes are measured against
func (s *FileSource) ProtectedDomains() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.protected...)
}

// ContainsAddress expects a checksummed address
func (s *FileSource) ContainsAddress(ctx context.Context, address string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.addresses[address]
	return ok, nil
}

// ContainsDomain expects a normalised host
func (s *FileSource) ContainsDomain(ctx context.Context, host string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.domains[host]
	return ok, nil
}

var _ ports.BlocklistSource = (*FileSource)(nil)
