package txn

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/xmh1011/raftkv/kv"
)

// Watch 是对单个 key 的修改监听。当某个后续提交的变更集合触碰到
// 被监听的 key 时，Done 返回的通道被关闭；Cancel 可以提前撤销监听。
type Watch struct {
	key      []byte
	id       uint64
	registry *watchRegistry

	once sync.Once
	done chan struct{}

	value   []byte // 触发时 key 的新值；被删除时为 nil
	fired   bool
	valueMu sync.Mutex
}

// Done 返回监听通道。key 被修改或监听被取消时通道关闭，
// 调用方用 Fired 区分两种情况。
func (w *Watch) Done() <-chan struct{} {
	return w.done
}

// Fired 报告监听是否由一次真实的修改触发（而非被取消）。
// 触发时返回 key 的新值；key 被删除时值为 nil。
func (w *Watch) Fired() (bool, []byte) {
	w.valueMu.Lock()
	defer w.valueMu.Unlock()
	return w.fired, w.value
}

// Cancel 撤销监听。可以安全地重复调用，也可以和触发并发。
func (w *Watch) Cancel() {
	w.registry.remove(w)
	w.once.Do(func() {
		close(w.done)
	})
}

func (w *Watch) fire(value []byte) {
	w.once.Do(func() {
		w.valueMu.Lock()
		w.fired = true
		w.value = value
		w.valueMu.Unlock()
		close(w.done)
	})
}

// keyWatchers 是监听同一个 key 的 Watch 集合。
type keyWatchers struct {
	mu      sync.Mutex
	watches map[uint64]*Watch
}

// watchRegistry 维护所有挂起的 key 监听。
// 精确写入（put/adjust）通过按 key 查表触发；区间删除通过遍历
// 所有被监听的 key 做区间判断触发。
type watchRegistry struct {
	nextID uint64
	keys   *xsync.MapOf[string, *keyWatchers]
}

func newWatchRegistry() *watchRegistry {
	return &watchRegistry{
		keys: xsync.NewMapOf[string, *keyWatchers](),
	}
}

// add 登记一个对 key 的监听。
func (reg *watchRegistry) add(key []byte) *Watch {
	w := &Watch{
		key:      append([]byte(nil), key...),
		id:       atomic.AddUint64(&reg.nextID, 1),
		registry: reg,
		done:     make(chan struct{}),
	}
	kw, _ := reg.keys.LoadOrCompute(string(w.key), func() *keyWatchers {
		return &keyWatchers{watches: make(map[uint64]*Watch)}
	})
	kw.mu.Lock()
	kw.watches[w.id] = w
	kw.mu.Unlock()
	return w
}

func (reg *watchRegistry) remove(w *Watch) {
	kw, ok := reg.keys.Load(string(w.key))
	if !ok {
		return
	}
	kw.mu.Lock()
	delete(kw.watches, w.id)
	empty := len(kw.watches) == 0
	kw.mu.Unlock()
	if empty {
		reg.keys.Delete(string(w.key))
	}
}

// notify 在一条日志条目被应用后触发受影响的监听。
// 由共识层的应用回调调用，mutations 是该条目的变更集合。
func (reg *watchRegistry) notify(_ uint64, mutations *kv.Writes) {
	if mutations == nil {
		return
	}
	for key, value := range mutations.Puts {
		reg.fireKey(key, value)
	}
	for key := range mutations.Adjusts {
		reg.fireKey(key, nil)
	}
	if len(mutations.Removes) == 0 {
		return
	}
	// 区间删除可能覆盖任意多个被监听的 key，遍历判断。
	reg.keys.Range(func(key string, kw *keyWatchers) bool {
		for _, r := range mutations.Removes {
			if r.Contains([]byte(key)) {
				reg.fireWatchers(key, kw, nil)
				break
			}
		}
		return true
	})
}

func (reg *watchRegistry) fireKey(key string, value []byte) {
	kw, ok := reg.keys.Load(key)
	if !ok {
		return
	}
	reg.fireWatchers(key, kw, value)
}

func (reg *watchRegistry) fireWatchers(key string, kw *keyWatchers, value []byte) {
	kw.mu.Lock()
	watches := make([]*Watch, 0, len(kw.watches))
	for _, w := range kw.watches {
		watches = append(watches, w)
	}
	kw.watches = make(map[uint64]*Watch)
	kw.mu.Unlock()
	reg.keys.Delete(key)
	for _, w := range watches {
		w.fire(value)
	}
}
