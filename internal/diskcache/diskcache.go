// Package diskcache spills rendered images to a bit-exact on-disk format so
// they can be read back without recomputation, and evicts the
// least-recently-used entries once a size budget is exceeded. The spill
// file is a temporary file private to one Cache and is removed by Close;
// the index lives in memory, so entries are not shared across processes or
// restarts. It follows a dedicated-I/O-goroutine shape: writes and
// evictions happen off the caller's goroutine, while Get and the I/O
// goroutine share the index lock.
package diskcache

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"github.com/nodeforge/compositor/internal/geom"
	"github.com/nodeforge/compositor/internal/imagekey"
	"github.com/nodeforge/compositor/internal/rimage"
)

// magic identifies the on-disk entry format; version allows the layout to
// change without silently misreading old entries.
const (
	magic        uint32 = 0x52434f52 // "RCOR"
	formatVersion uint16 = 1
)

// headerSize is the fixed-width prefix before the plane name and raw pixel
// payload: magic(4) version(2) nodeHash(8) planeKind(1) components(1)
// planeNameLen(2) time(8) view(4) mip(4) frameVarying(1) rodX1,Y1,X2,Y2(8
// each) boundsX1,Y1,X2,Y2(4 each) bitDepth(4) par(8) pixLen(4) checksum(4)
// = 103 bytes, followed by planeNameLen bytes of plane name and then the
// raw pixel buffer.
const headerSize = 4 + 2 + 8 + 1 + 1 + 2 + 8 + 4 + 4 + 1 + 32 + 16 + 4 + 8 + 4 + 4

// checksumOffset is where the trailing CRC-32 lives within the header.
const checksumOffset = headerSize - 4

// entry records where one cached image lives within the spill file.
type entry struct {
	offset int64
	length int64
	elem   *list.Element // LRU position, keyed by imagekey.Key
}

// writeRequest is sent to the I/O goroutine for an async persist.
type writeRequest struct {
	key     imagekey.Key
	payload []byte
}

// Cache is a disk-backed, size-bounded store of encoded images keyed by
// imagekey.Key, with least-recently-used eviction.
type Cache struct {
	mu      sync.RWMutex
	entries map[imagekey.Key]*entry
	lru     *list.List // front = most recently used

	dir      string
	readFile atomic.Pointer[os.File]

	sizeBytes  atomic.Int64
	sizeLimit  int64

	ioCh      chan writeRequest
	ioWg      sync.WaitGroup
	drainOnce sync.Once

	verbose bool
	proxy   *proxyTier // nil if proxying is disabled
}

// Config configures a Cache.
type Config struct {
	// Dir is the directory the spill file is created in. Defaults to the
	// OS temp dir.
	Dir string
	// SizeLimitBytes bounds total on-disk payload size; 0 means unbounded.
	SizeLimitBytes int64
	Verbose        bool

	// ProxyLimitBytes, if > 0, retains a WebP-encoded proxy of each entry
	// this cache evicts, under its own (much smaller) byte budget, so a
	// subsequent miss can return a lossy reconstruction instead of forcing
	// a full upstream re-render. 0 disables proxying.
	ProxyLimitBytes int64
	ProxyQuality    int // WebP quality for proxies; 0 defaults to 60
}

// New creates a Cache and starts its dedicated I/O goroutine.
func New(cfg Config) *Cache {
	dir := cfg.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	c := &Cache{
		entries:   make(map[imagekey.Key]*entry),
		lru:       list.New(),
		dir:       dir,
		sizeLimit: cfg.SizeLimitBytes,
		ioCh:      make(chan writeRequest, 64),
		verbose:   cfg.Verbose,
	}
	if cfg.ProxyLimitBytes > 0 {
		c.proxy = newProxyTier(cfg.ProxyQuality, cfg.ProxyLimitBytes)
	}
	c.ioWg.Add(1)
	go c.ioLoop()
	return c
}

// Put schedules img for an asynchronous write-through to disk under key.
// Put never blocks on disk I/O; eviction to stay under the size limit
// happens on the I/O goroutine after each write.
func (c *Cache) Put(key imagekey.Key, img *rimage.Image) {
	payload, err := encode(key, img)
	if err != nil {
		log.Printf("diskcache: failed to encode %s: %v", key, err)
		return
	}
	c.ioCh <- writeRequest{key: key, payload: payload}
}

// Get reads back a previously-put image, or (nil, false) if it is not
// cached. A hit promotes the entry to most-recently-used.
func (c *Cache) Get(key imagekey.Key) (*rimage.Image, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		c.lru.MoveToFront(e.elem)
	}
	c.mu.Unlock()
	if !ok {
		if c.proxy != nil {
			return c.proxy.get(key)
		}
		return nil, false
	}

	f := c.readFile.Load()
	if f == nil {
		return nil, false
	}
	buf := make([]byte, e.length)
	if _, err := f.ReadAt(buf, e.offset); err != nil {
		return nil, false
	}
	img, err := decode(buf)
	if err != nil {
		log.Printf("diskcache: corrupt entry for %s: %v", key, err)
		return nil, false
	}
	return img, true
}

// Evict removes key from the cache immediately, freeing its accounted size.
// The bytes within the spill file are not reclaimed until the file is
// recreated (spill files are append-only).
func (c *Cache) Evict(key imagekey.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	c.lru.Remove(e.elem)
	c.sizeBytes.Add(-e.length)
}

// ioLoop is the dedicated writer: it owns the spill file exclusively and
// applies LRU eviction after each write that pushes the cache over its
// size limit.
func (c *Cache) ioLoop() {
	defer c.ioWg.Done()

	var file *os.File
	var offset int64

	for req := range c.ioCh {
		if file == nil {
			f, err := os.CreateTemp(c.dir, "rendercore-diskcache-*.tmp")
			if err != nil {
				log.Printf("diskcache: failed to create spill file: %v", err)
				continue
			}
			file = f
			c.readFile.Store(f)
			if c.verbose {
				log.Printf("diskcache: spill file %s", f.Name())
			}
		}

		n, err := file.Write(req.payload)
		if err != nil {
			log.Printf("diskcache: write error: %v", err)
			continue
		}

		c.mu.Lock()
		if old, exists := c.entries[req.key]; exists {
			c.lru.Remove(old.elem)
			c.sizeBytes.Add(-old.length)
		}
		elem := c.lru.PushFront(req.key)
		c.entries[req.key] = &entry{offset: offset, length: int64(n), elem: elem}
		c.mu.Unlock()

		offset += int64(n)
		c.sizeBytes.Add(int64(n))

		if c.sizeLimit > 0 {
			c.evictUntilUnderLimit()
		}
	}
}

// evictUntilUnderLimit drops the least-recently-used entries until the
// cache's accounted size is back at or under its configured limit. The
// most recently used entry is never dropped, so an entry larger than the
// limit on its own still stays cached.
func (c *Cache) evictUntilUnderLimit() {
	for c.sizeBytes.Load() > c.sizeLimit {
		c.mu.Lock()
		back := c.lru.Back()
		if back == nil || back == c.lru.Front() {
			c.mu.Unlock()
			break
		}
		key := back.Value.(imagekey.Key)
		e := c.entries[key]
		delete(c.entries, key)
		c.lru.Remove(back)
		c.mu.Unlock()
		if e != nil {
			c.sizeBytes.Add(-e.length)
			if c.proxy != nil {
				if f := c.readFile.Load(); f != nil {
					buf := make([]byte, e.length)
					if _, err := f.ReadAt(buf, e.offset); err == nil {
						if img, err := decode(buf); err == nil {
							c.proxy.store(key, img)
						}
					}
				}
			}
		}
	}
}

// Drain blocks until every pending write has been applied.
func (c *Cache) Drain() {
	c.drainOnce.Do(func() {
		close(c.ioCh)
		c.ioWg.Wait()
	})
}

// Close drains pending writes and removes the spill file.
func (c *Cache) Close() {
	c.Drain()
	if f := c.readFile.Swap(nil); f != nil {
		name := f.Name()
		f.Close()
		os.Remove(name)
	}
}

// Stats reports a human-readable summary of the cache's current size.
func (c *Cache) Stats() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("diskcache: %d entries, %.1f MB on disk", len(c.entries), float64(c.sizeBytes.Load())/(1024*1024))
}

// encode serializes an image to the on-disk format: a fixed header
// followed by the plane name and raw pixels in row-major order,
// little-endian, checksummed with CRC-32.
func encode(key imagekey.Key, img *rimage.Image) ([]byte, error) {
	pix, _ := img.Pix()
	rod := img.RoD()
	bounds := img.Bounds()
	name := []byte(key.Plane.Name)

	buf := make([]byte, headerSize+len(name)+len(pix))
	w := buf

	binary.LittleEndian.PutUint32(w[0:4], magic)
	binary.LittleEndian.PutUint16(w[4:6], formatVersion)
	binary.LittleEndian.PutUint64(w[6:14], key.NodeHash)
	w[14] = byte(key.Plane.Kind)
	w[15] = byte(key.Plane.Components)
	binary.LittleEndian.PutUint16(w[16:18], uint16(len(name)))
	binary.LittleEndian.PutUint64(w[18:26], math.Float64bits(key.Time))
	binary.LittleEndian.PutUint32(w[26:30], uint32(key.View))
	binary.LittleEndian.PutUint32(w[30:34], uint32(key.MipLevel))
	if key.FrameVarying {
		w[34] = 1
	}
	binary.LittleEndian.PutUint64(w[35:43], math.Float64bits(rod.X1))
	binary.LittleEndian.PutUint64(w[43:51], math.Float64bits(rod.Y1))
	binary.LittleEndian.PutUint64(w[51:59], math.Float64bits(rod.X2))
	binary.LittleEndian.PutUint64(w[59:67], math.Float64bits(rod.Y2))
	binary.LittleEndian.PutUint32(w[67:71], uint32(int32(bounds.X1)))
	binary.LittleEndian.PutUint32(w[71:75], uint32(int32(bounds.Y1)))
	binary.LittleEndian.PutUint32(w[75:79], uint32(int32(bounds.X2)))
	binary.LittleEndian.PutUint32(w[79:83], uint32(int32(bounds.Y2)))
	binary.LittleEndian.PutUint32(w[83:87], uint32(img.BitDepth))
	binary.LittleEndian.PutUint64(w[87:95], math.Float64bits(img.PixelAspectRatio))
	binary.LittleEndian.PutUint32(w[95:99], uint32(len(pix)))

	nameOff := headerSize
	copy(w[nameOff:nameOff+len(name)], name)
	pixOff := nameOff + len(name)
	copy(w[pixOff:], pix)

	crc := crc32.NewIEEE()
	crc.Write(w[0:checksumOffset])
	crc.Write(w[headerSize:])
	binary.LittleEndian.PutUint32(w[checksumOffset:headerSize], crc.Sum32())
	return w, nil
}

// decode reverses encode, validating the checksum before trusting the
// payload.
func decode(buf []byte) (*rimage.Image, error) {
	if len(buf) < headerSize {
		return nil, io.ErrUnexpectedEOF
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != magic {
		return nil, fmt.Errorf("diskcache: bad magic")
	}
	if binary.LittleEndian.Uint16(buf[4:6]) != formatVersion {
		return nil, fmt.Errorf("diskcache: unsupported format version")
	}

	nodeHash := binary.LittleEndian.Uint64(buf[6:14])
	planeKind := imagekey.PlaneKind(buf[14])
	components := imagekey.Components(buf[15])
	nameLen := int(binary.LittleEndian.Uint16(buf[16:18]))
	t := math.Float64frombits(binary.LittleEndian.Uint64(buf[18:26]))
	view := int(binary.LittleEndian.Uint32(buf[26:30]))
	mip := int(binary.LittleEndian.Uint32(buf[30:34]))
	frameVarying := buf[34] != 0
	rodX1 := math.Float64frombits(binary.LittleEndian.Uint64(buf[35:43]))
	rodY1 := math.Float64frombits(binary.LittleEndian.Uint64(buf[43:51]))
	rodX2 := math.Float64frombits(binary.LittleEndian.Uint64(buf[51:59]))
	rodY2 := math.Float64frombits(binary.LittleEndian.Uint64(buf[59:67]))
	x1 := int(int32(binary.LittleEndian.Uint32(buf[67:71])))
	y1 := int(int32(binary.LittleEndian.Uint32(buf[71:75])))
	x2 := int(int32(binary.LittleEndian.Uint32(buf[75:79])))
	y2 := int(int32(binary.LittleEndian.Uint32(buf[79:83])))
	bitDepth := int(binary.LittleEndian.Uint32(buf[83:87]))
	par := math.Float64frombits(binary.LittleEndian.Uint64(buf[87:95]))
	pixLen := int(binary.LittleEndian.Uint32(buf[95:99]))
	wantChecksum := binary.LittleEndian.Uint32(buf[checksumOffset:headerSize])

	nameOff := headerSize
	if len(buf) < nameOff+nameLen {
		return nil, io.ErrUnexpectedEOF
	}
	name := string(buf[nameOff : nameOff+nameLen])
	pixOff := nameOff + nameLen
	if len(buf) < pixOff+pixLen {
		return nil, io.ErrUnexpectedEOF
	}
	pix := buf[pixOff : pixOff+pixLen]

	crc := crc32.NewIEEE()
	crc.Write(buf[0:checksumOffset])
	crc.Write(buf[headerSize : pixOff+pixLen])
	if crc.Sum32() != wantChecksum {
		return nil, fmt.Errorf("diskcache: checksum mismatch")
	}

	key := imagekey.Key{
		NodeHash:     nodeHash,
		Plane:        imagekey.Plane{Kind: planeKind, Components: components, Name: name},
		Time:         t,
		View:         view,
		MipLevel:     mip,
		FrameVarying: frameVarying,
	}
	rod := geom.Rect{X1: rodX1, Y1: rodY1, X2: rodX2, Y2: rodY2}
	bounds := geom.PixRect{X1: x1, Y1: y1, X2: x2, Y2: y2}

	img := rimage.New(key, rimage.Params{
		Components: components, BitDepth: bitDepth, PixelAspectRatio: par,
		RoD: rod, Bounds: bounds, MipLevel: mip,
	})
	img.Allocate()
	dstPix, _ := img.Pix()
	copy(dstPix, pix)
	return img, nil
}
