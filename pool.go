package rpan

import (
	"sync"
)

var (
	iterPool   = make(map[int]map[int]*sync.Pool)
	iterPoolMu sync.Mutex
)

func newIterPool(m, n int) *sync.Pool {
	return &sync.Pool{
		New: func() interface{} {
			retVal := make([][]float32, m)
			for i := range retVal {
				retVal[i] = make([]float32, n)
			}
			return retVal
		},
	}
}

func borrowIterator(m, n int) [][]float32 {
	iterPoolMu.Lock()
	defer iterPoolMu.Unlock()
	if d, ok := iterPool[m]; ok {
		if d2, ok := d[n]; ok {
			return d2.Get().([][]float32)
		}
	}
	retVal := make([][]float32, m)
	for i := range retVal {
		retVal[i] = make([]float32, n)
	}
	return retVal
}

// ReturnIterator returns an iterator made by MakeIterator to the pool.
func ReturnIterator(m, n int, it [][]float32) {
	iterPoolMu.Lock()
	defer iterPoolMu.Unlock()
	if _, ok := iterPool[m]; !ok {
		iterPool[m] = make(map[int]*sync.Pool)
	}
	if _, ok := iterPool[m][n]; !ok {
		iterPool[m][n] = newIterPool(m, n)
	}
	iterPool[m][n].Put(it)
}
