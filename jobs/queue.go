package jobs

import "container/heap"

type QueueIndex interface {
	SetIndex(index int)
	GetIndex() int
}

type Queue[T any] interface {
	Peek() T       //查看堆顶，不会移除元素
	Poll() T       //从堆顶弹出一个元素
	Update(T) bool //更新元素
	Remove(T) bool //移除一个元素
	Offer(T)       //插入一个元素
	Fix()          //优先级整体变化后重建堆
	Each(func(T))  //遍历所有元素，顺序不定
	Reset()
	Empty() bool
	Len() int
}

// 优先级队列
type priorityQueue[T QueueIndex] struct {
	data []T
	less func(t1, t2 T) bool
}

func NewQueue[T QueueIndex](less func(t1, t2 T) bool) Queue[T] {
	q := &priorityQueue[T]{less: less}
	heap.Init(q)
	return q
}

func (q *priorityQueue[T]) Reset() {
	q.data = q.data[:0]
}

// 查看堆顶
func (q *priorityQueue[T]) Peek() T { return q.data[0] }

func (q *priorityQueue[T]) Poll() T { return heap.Pop(q).(T) }

func (q *priorityQueue[T]) Update(value T) bool {
	i := value.GetIndex()
	if i < 0 || i >= len(q.data) {
		return false
	}
	heap.Fix(q, i)
	return true
}

func (q *priorityQueue[T]) Remove(value T) bool {
	i := value.GetIndex()
	if i < 0 || i >= len(q.data) {
		return false
	}
	heap.Remove(q, i)
	return true
}

func (q *priorityQueue[T]) Offer(value T) { heap.Push(q, value) }

func (q *priorityQueue[T]) Fix() { heap.Init(q) }

func (q *priorityQueue[T]) Each(fn func(T)) {
	for _, v := range q.data {
		fn(v)
	}
}

func (q *priorityQueue[T]) Push(x any) {
	v := x.(T)
	v.SetIndex(len(q.data))
	q.data = append(q.data, v)
}

func (q *priorityQueue[T]) Pop() (res any) {
	n := len(q.data) - 1
	v := q.data[n]
	var zero T
	q.data[n] = zero
	q.data = q.data[:n]
	v.SetIndex(-1)
	return v
}

func (q *priorityQueue[T]) Len() int    { return len(q.data) }
func (q *priorityQueue[T]) Empty() bool { return q.Len() == 0 }

func (q *priorityQueue[T]) Less(i, j int) bool { return q.less(q.data[i], q.data[j]) }

func (q *priorityQueue[T]) Swap(i, j int) {
	q.data[i], q.data[j] = q.data[j], q.data[i]
	q.data[i].SetIndex(i)
	q.data[j].SetIndex(j)
}
