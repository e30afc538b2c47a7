package mountkit

import (
	"context"
	"fmt"
	"testing"
)

func benchmarkRegistry(b *testing.B, mounts int) *Registry {
	b.Helper()
	reg := NewRegistry()
	for i := 0; i < mounts; i++ {
		files := map[string]string{}
		for j := 0; j < 50; j++ {
			files[fmt.Sprintf("/dir%d/file%d.txt", j%5, j)] = "content"
		}
		if err := reg.RegisterProvider(fmt.Sprintf("/group%d/mount%d", i%4, i), newMapProvider(files)); err != nil {
			b.Fatal(err)
		}
	}
	return reg
}

func BenchmarkRegistryResolve(b *testing.B) {
	for _, mounts := range []int{1, 16, 128} {
		b.Run(fmt.Sprintf("mounts=%d", mounts), func(b *testing.B) {
			reg := benchmarkRegistry(b, mounts)
			ctx := context.Background()
			p := fmt.Sprintf("/group%d/mount%d/dir2/file7.txt", (mounts-1)%4, mounts-1)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if !reg.Resolve(ctx, p).Exists {
					b.Fatal("file not found")
				}
			}
		})
	}
}

func BenchmarkRegistryListRoot(b *testing.B) {
	reg := benchmarkRegistry(b, 64)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if len(reg.ListDirectory(ctx, "/").Entries) != 4 {
			b.Fatal("unexpected root listing")
		}
	}
}

func BenchmarkRegistryReconfigure(b *testing.B) {
	regs := make([]Registration, 0, 64)
	for i := 0; i < 64; i++ {
		regs = append(regs, Registration{
			Prefix:   fmt.Sprintf("/a%d/b%d/c%d", i%3, i%7, i),
			Provider: newMapProvider(nil),
		})
	}
	reg := NewRegistry()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := reg.Reconfigure(regs); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCachingProviderHit(b *testing.B) {
	p := NewCachingProvider(newMapProvider(map[string]string{"/a.txt": "a"}), "bench:", WithCache(NewMemoryCache()))
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := p.ResolveFile(ctx, "/a.txt"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkNormalizePath(b *testing.B) {
	for i := 0; i < b.N; i++ {
		NormalizePath(`mirror\debian//pool/../dists/bookworm/Release`)
	}
}
