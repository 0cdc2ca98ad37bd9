// Package workerpool 提供带分片的异步任务池
// 同一个 key 的任务总是落到同一个 worker，因此按提交顺序执行
package workerpool

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Pool 固定数量的 worker，每个 worker 持有独立的任务队列
type Pool struct {
	name   string
	queues []chan func()
	next   atomic.Uint64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	dropped atomic.Int64
}

// New 创建并启动任务池
// workerNum: worker 数量；queueSize: 每个 worker 的队列长度
func New(name string, workerNum, queueSize int) *Pool {
	if workerNum <= 0 {
		workerNum = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	p := &Pool{name: name, queues: make([]chan func(), workerNum)}
	for i := range p.queues {
		p.queues[i] = make(chan func(), queueSize)
		p.wg.Add(1)
		go p.startWorker(p.queues[i])
	}
	zap.L().Info("worker pool started", zap.String("pool", name),
		zap.Int("workers", workerNum), zap.Int("buffer", queueSize))
	return p
}

// startWorker 消费循环，任务 panic 后在同一个队列上重启
func (p *Pool) startWorker(queue chan func()) {
	restarted := false
	defer func() {
		if restarted {
			return
		}
		p.wg.Done()
	}()
	defer func() {
		if rec := recover(); rec != nil {
			zap.L().Error("worker panic", zap.String("pool", p.name), zap.Any("recover", rec))
			restarted = true
			go p.startWorker(queue)
		}
	}()

	for task := range queue {
		task()
	}
}

// Submit 提交任务，轮询选择 worker
func (p *Pool) Submit(task func()) bool {
	idx := int(p.next.Add(1) % uint64(len(p.queues)))
	return p.enqueue(idx, task)
}

// SubmitKeyed 按 key 选择 worker，同 key 任务保持提交顺序
func (p *Pool) SubmitKeyed(key string, task func()) bool {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return p.enqueue(int(h.Sum32()%uint32(len(p.queues))), task)
}

// enqueue 队列满时丢弃任务并记录日志，不阻塞调用方
func (p *Pool) enqueue(idx int, task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queues[idx] <- task:
		return true
	default:
		p.dropped.Add(1)
		zap.L().Warn("worker pool queue full, task dropped", zap.String("pool", p.name), zap.Int("worker", idx))
		return false
	}
}

// Dropped 因队列满被丢弃的任务数
func (p *Pool) Dropped() int64 {
	return p.dropped.Load()
}

// Close 停止接收任务，等待已入队的任务执行完毕
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
