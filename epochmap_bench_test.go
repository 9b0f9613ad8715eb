package epochmap

import (
	"testing"
)

func BenchmarkMapLoad(b *testing.B) {
	benchmarkMapLoad(b, testData[:])
}

func BenchmarkMapLoadLarge(b *testing.B) {
	benchmarkMapLoad(b, testDataLarge[:])
}

func benchmarkMapLoad(b *testing.B, data []string) {
	b.ReportAllocs()
	var m Map[string, int]
	for i := range data {
		m.LoadOrStore(data[i], i)
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = m.Load(data[i])
			i++
			if i >= len(data) {
				i = 0
			}
		}
	})
}

func BenchmarkMapLoadOrStore(b *testing.B) {
	benchmarkMapLoadOrStore(b, testData[:])
}

func BenchmarkMapLoadOrStoreLarge(b *testing.B) {
	benchmarkMapLoadOrStore(b, testDataLarge[:])
}

func benchmarkMapLoadOrStore(b *testing.B, data []string) {
	b.ReportAllocs()
	var m Map[string, int]
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = m.LoadOrStore(data[i], i)
			i++
			if i >= len(data) {
				i = 0
			}
		}
	})
}

func BenchmarkMapStore(b *testing.B) {
	benchmarkMapStore(b, testData[:])
}

func BenchmarkMapStoreLarge(b *testing.B) {
	benchmarkMapStore(b, testDataLarge[:])
}

func benchmarkMapStore(b *testing.B, data []string) {
	b.ReportAllocs()
	var m Map[string, int]
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			m.Store(data[i], i)
			i++
			if i >= len(data) {
				i = 0
			}
		}
	})
}

func BenchmarkMapSwap(b *testing.B) {
	b.ReportAllocs()
	var m Map[string, int]
	for i := range testData {
		m.Store(testData[i], i)
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = m.Swap(testData[i], i)
			i++
			if i >= len(testData) {
				i = 0
			}
		}
	})
}

func BenchmarkMapStoreDelete(b *testing.B) {
	b.ReportAllocs()
	var m Map[string, int]
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			m.Store(testData[i], i)
			m.Delete(testData[i])
			i++
			if i >= len(testData) {
				i = 0
			}
		}
	})
}

func BenchmarkMapLoadOrStoreInt(b *testing.B) {
	b.ReportAllocs()
	var m Map[int, int]
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = m.LoadOrStore(testDataInt[i], i)
			i++
			if i >= len(testDataInt) {
				i = 0
			}
		}
	})
}

// Pinning once around a batch of operations amortizes the reservation
// publish over the batch; compare with BenchmarkMapLoad.
func BenchmarkMapGuardedLoadBatch(b *testing.B) {
	b.ReportAllocs()
	var m Map[string, int]
	for i := range testData {
		m.Store(testData[i], i)
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			g := m.Pin()
			for j := 0; j < 16; j++ {
				_, _ = g.Load(testData[i])
				i++
				if i >= len(testData) {
					i = 0
				}
			}
			g.Unpin()
		}
	})
}

func BenchmarkMapPinUnpin(b *testing.B) {
	b.ReportAllocs()
	var m Map[string, int]
	m.Store(testData[0], 0)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			m.Pin().Unpin()
		}
	})
}

func BenchmarkMapRange(b *testing.B) {
	b.ReportAllocs()
	var m Map[string, int]
	for i := range testData {
		m.Store(testData[i], i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Range(func(key string, value int) bool {
			return true
		})
	}
}
