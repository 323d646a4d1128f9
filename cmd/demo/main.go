package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/intellect4all/lsmtree/lsm"
)

func main() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("LSM-Tree Demo")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println()

	dir, err := os.MkdirTemp("", "lsmtree-demo-*")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	cfg := lsm.DefaultConfig(dir)
	tree, err := lsm.Open(cfg, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer tree.Close()

	fmt.Println("✓ Opened tree at", dir)

	testData := map[string]string{
		"user:1001":   `{"name": "Alice", "age": 30, "city": "NYC"}`,
		"user:1002":   `{"name": "Bob", "age": 25, "city": "SF"}`,
		"user:1003":   `{"name": "Charlie", "age": 35, "city": "LA"}`,
		"product:101": `{"name": "Laptop", "price": 999.99}`,
		"product:102": `{"name": "Mouse", "price": 29.99}`,
	}

	fmt.Println("\n[Writing data]")
	for key, value := range testData {
		if err := tree.Insert([]byte(key), []byte(value)); err != nil {
			log.Printf("Error writing %s: %v", key, err)
			continue
		}
		fmt.Printf("  INSERT %s\n", key)
	}

	fmt.Println("\n[Reading data]")
	for key := range testData {
		value, found, err := tree.Get([]byte(key))
		if err != nil {
			log.Printf("Error reading %s: %v", key, err)
		} else if !found {
			log.Printf("Key not found: %s", key)
		} else {
			fmt.Printf("  GET %s -> %s\n", key, truncate(string(value), 40))
		}
	}

	fmt.Println("\n[Updating data]")
	tree.Insert([]byte("user:1001"), []byte(`{"name": "Alice Updated", "age": 31, "city": "NYC"}`))
	fmt.Println("  INSERT user:1001 (updated)")
	if v, found, _ := tree.Get([]byte("user:1001")); found {
		fmt.Printf("  GET user:1001 -> %s\n", truncate(string(v), 50))
	}

	fmt.Println("\n[Deleting data]")
	tree.Remove([]byte("product:102"))
	fmt.Println("  REMOVE product:102")
	if _, found, _ := tree.Get([]byte("product:102")); !found {
		fmt.Println("  GET product:102 -> not found (as expected)")
	}

	fmt.Println("\n[Compare-and-swap]")
	ok, prev, prevOK, err := tree.CompareAndSwap([]byte("user:1002"), []byte(testData["user:1002"]), true,
		[]byte(`{"name": "Bob", "age": 26, "city": "SF"}`), true)
	if err != nil && ok {
		log.Fatalf("unreachable: swap succeeded but returned an error: %v", err)
	}
	fmt.Printf("  CAS user:1002 swapped=%v prevPresent=%v prev=%s\n", ok, prevOK, truncate(string(prev), 40))

	fmt.Println("\n[Atomic batch]")
	err = tree.Batch([]lsm.BatchOp{
		{Key: []byte("order:1"), Value: []byte(`{"total": 19.99}`)},
		{Key: []byte("order:2"), Value: []byte(`{"total": 42.00}`)},
		{Key: []byte("product:101"), Delete: true},
	})
	if err != nil {
		log.Printf("batch failed: %v", err)
	} else {
		fmt.Println("  batch committed: order:1, order:2, remove product:101")
	}

	fmt.Println("\n[Range Scan Capabilities]")

	fmt.Println("\n1. Prefix scan (user:*):")
	it, err := tree.Prefix([]byte("user:"))
	if err != nil {
		log.Fatal(err)
	}
	count := 0
	for {
		k, v, ok := it.Next()
		if !ok {
			break
		}
		if count < 3 {
			fmt.Printf("   %s -> %s\n", k, truncate(string(v), 40))
		}
		count++
	}
	fmt.Printf("   ... found %d total user keys\n", count)

	fmt.Println("\n2. Range scan (user:1001 to user:1003):")
	it2, err := tree.Range([]byte("user:1001"), []byte("user:1003"))
	if err != nil {
		log.Fatal(err)
	}
	for {
		k, v, ok := it2.Next()
		if !ok {
			break
		}
		fmt.Printf("   %s -> %s\n", k, truncate(string(v), 40))
	}

	fmt.Println("\n3. Full tree scan (sorted order):")
	it3, err := tree.Range(nil, nil)
	if err != nil {
		log.Fatal(err)
	}
	all := 0
	var lastKey []byte
	for {
		k, _, ok := it3.Next()
		if !ok {
			break
		}
		if all <= 5 {
			fmt.Printf("   %s\n", k)
		}
		lastKey = k
		all++
	}
	if all > 5 {
		fmt.Printf("   %s (last key)\n", lastKey)
	}
	fmt.Printf("   Total: %d keys in sorted order\n", all)

	fmt.Println("\n[Forcing a flush and major compaction]")
	if err := tree.Flush(); err != nil {
		log.Printf("flush failed: %v", err)
	}
	if err := tree.DoMajorCompaction(); err != nil {
		log.Printf("major compaction failed: %v", err)
	}

	fmt.Println("\n[Tree Info]")
	fmt.Printf("  Segments:   %d\n", tree.SegmentCount())
	fmt.Printf("  Disk usage: %.4f MB\n", float64(tree.DiskSpace())/(1024*1024))
	n, _ := tree.Len()
	fmt.Printf("  Live keys:  %d\n", n)

	fmt.Println("\n[Recovery]")
	fmt.Println("  Closing and reopening the tree recovers its segments and journals from disk...")
	if err := tree.Close(); err != nil {
		log.Fatal(err)
	}
	tree2, err := lsm.Open(cfg, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer tree2.Close()
	n2, _ := tree2.Len()
	fmt.Printf("  Reopened tree reports %d live keys\n", n2)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
