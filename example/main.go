package main

import (
	"fmt"
	"os"

	"github.com/kvtree/combotree"
)

func main() {
	dir, err := os.MkdirTemp("", "combotree-example-*")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)

	h, err := combotree.Open(dir, 16<<20, true, combotree.Options{
		MigrationThreshold: 32,
	})
	if err != nil {
		panic(err)
	}
	defer h.Close()

	fmt.Println("=== Small-map phase ===")
	for i := uint64(1); i <= 10; i++ {
		h.Insert(i, i*i)
	}
	fmt.Printf("Size: %d\n", h.Size())
	if v, ok := h.Get(5); ok {
		fmt.Printf("Get(5) = %d\n", v)
	}

	h.Update(5, 999)
	if v, ok := h.Get(5); ok {
		fmt.Printf("After Update(5, 999): Get(5) = %d\n", v)
	}

	fmt.Println("\n=== Crossing the migration threshold ===")
	for i := uint64(11); i <= 64; i++ {
		h.Insert(i, i*i)
	}
	fmt.Printf("Size: %d\n", h.Size())

	fmt.Println("\n=== Ranged scan ===")
	for _, p := range h.Scan(20, 25, 0) {
		fmt.Printf("key=%d value=%d\n", p.Key, p.Value)
	}

	fmt.Println("\n=== Restartable cursor ===")
	it := h.Iterator()
	it.Seek(60)
	for i := 0; i < 3; i++ {
		p, ok := it.Next()
		if !ok {
			break
		}
		fmt.Printf("cursor: key=%d value=%d\n", p.Key, p.Value)
	}

	h.Delete(1)
	if _, ok := h.Get(1); !ok {
		fmt.Println("\nkey 1 deleted")
	}

	fmt.Println("\n=== Example completed successfully! ===")
}
