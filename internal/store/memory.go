package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
)

type portKey struct {
	lid  uint32
	port uint8
}

type memoryImage struct {
	info   ImageInfo
	groups map[string]GroupInfo
	names  []string
	ports  map[portKey]PortCounters
}

// MemoryStore keeps images in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	images map[uint64]*memoryImage
	latest uint64
}

// NewMemoryStore returns an empty store seeded with images.
func NewMemoryStore(images ...Image) *MemoryStore {
	m := &MemoryStore{images: make(map[uint64]*memoryImage)}
	for _, img := range images {
		m.Put(img)
	}
	return m
}

// Put adds or replaces an image.
func (m *MemoryStore) Put(img Image) {
	mi := &memoryImage{
		info:   img.Info,
		groups: make(map[string]GroupInfo, len(img.Groups)),
		ports:  make(map[portKey]PortCounters, len(img.Ports)),
	}
	for _, g := range img.Groups {
		if _, dup := mi.groups[g.Name]; !dup {
			mi.names = append(mi.names, g.Name)
		}
		mi.groups[g.Name] = g
	}
	sort.Strings(mi.names)
	for _, p := range img.Ports {
		mi.ports[portKey{p.LID, p.Port}] = p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.images[img.Info.ImageNum] = mi
	if img.Info.ImageNum > m.latest {
		m.latest = img.Info.ImageNum
	}
}

// PutImage adds or replaces an image.
func (m *MemoryStore) PutImage(ctx context.Context, img Image) error {
	m.Put(img)
	return nil
}

// Prune drops all but the newest keep images and returns how many it removed.
func (m *MemoryStore) Prune(keep int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if keep <= 0 || len(m.images) <= keep {
		return 0
	}
	nums := make([]uint64, 0, len(m.images))
	for num := range m.images {
		nums = append(nums, num)
	}
	slices.Sort(nums)
	drop := nums[:len(nums)-keep]
	for _, num := range drop {
		delete(m.images, num)
	}
	return len(drop)
}

func (m *MemoryStore) image(imageNum uint64) (*memoryImage, error) {
	if imageNum == LatestImage {
		imageNum = m.latest
	}
	img, ok := m.images[imageNum]
	if !ok {
		return nil, fmt.Errorf("image %d: %w", imageNum, ErrNoImage)
	}
	return img, nil
}

func (m *MemoryStore) ImageInfo(ctx context.Context, imageNum uint64) (*ImageInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	img, err := m.image(imageNum)
	if err != nil {
		return nil, err
	}
	info := img.info
	return &info, nil
}

func (m *MemoryStore) GroupNames(ctx context.Context, imageNum uint64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	img, err := m.image(imageNum)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), img.names...), nil
}

func (m *MemoryStore) GroupInfo(ctx context.Context, imageNum uint64, name string) (*GroupInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	img, err := m.image(imageNum)
	if err != nil {
		return nil, err
	}
	g, ok := img.groups[name]
	if !ok {
		return nil, fmt.Errorf("group %q: %w", name, ErrNoGroup)
	}
	return &g, nil
}

func (m *MemoryStore) PortCounters(ctx context.Context, imageNum uint64, lid uint32, port uint8) (*PortCounters, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	img, err := m.image(imageNum)
	if err != nil {
		return nil, err
	}
	p, ok := img.ports[portKey{lid, port}]
	if !ok {
		return nil, fmt.Errorf("port %d/%d: %w", lid, port, ErrNoPort)
	}
	return &p, nil
}

func (m *MemoryStore) Close() error { return nil }
