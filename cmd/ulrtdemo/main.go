// Command ulrtdemo runs a small counter workload: N execution streams each
// dispatch M ULTs that yield, bump a shared counter, yield again, then join
// everything and print the result.
package main

import (
	"fmt"
	"sync"

	"github.com/nullsafe/ulrt"
)

const (
	numES     = 4 // includes the primary
	ultsPerES = 4
)

func main() {
	rt, err := ulrt.Init(ulrt.DefaultConfig())
	if err != nil {
		panic(err)
	}

	var mu sync.Mutex
	counter := 0

	secondaries := make([]*ulrt.ES, 0, numES-1)
	for i := 0; i < numES-1; i++ {
		es := ulrt.NewSecondaryES(nil)
		secondaries = append(secondaries, es)
	}

	allES := append([]*ulrt.ES{rt.Primary}, secondaries...)
	var units []*ulrt.Unit

	for _, es := range allES {
		pool := es.GetMainPools()[0]
		for j := 0; j < ultsPerES; j++ {
			u := ulrt.NewULT(func(self *ulrt.Unit) {
				self.Yield()
				mu.Lock()
				counter++
				mu.Unlock()
				self.Yield()
			}, 0)
			units = append(units, u)
			if err := pool.Push(u); err != nil {
				panic(err)
			}
		}
	}

	for _, es := range secondaries {
		if err := es.Start(); err != nil {
			panic(err)
		}
	}
	if err := rt.Primary.DrainOnce(); err != nil {
		panic(err)
	}
	for _, es := range secondaries {
		if err := es.Join(); err != nil {
			panic(err)
		}
	}
	for _, u := range units {
		u.Join()
	}

	fmt.Printf("counter = %d (want %d)\n", counter, numES*ultsPerES)
}
