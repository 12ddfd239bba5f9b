// In-process reconciliation benchmark: drives initiator and responder
// directly for a given difference size and intersection, reporting
// rounds, wire bytes and throughput.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"time"

	"github.com/ryandielhenn/pbsync/pkg/paramoracle"
	"github.com/ryandielhenn/pbsync/pkg/pbs"
	"github.com/ryandielhenn/pbsync/pkg/wire"
)

func main() {
	d := flag.Int("d", 1000, "symmetric difference size")
	intersection := flag.Int("intersection", 10000, "shared keys on both sides")
	trials := flag.Int("trials", 10, "sessions to run")
	inflation := flag.Float64("inflation", 1.38, "d-hat inflation over the true difference")
	seed := flag.Int64("seed", 20200715, "rng seed for key generation")
	cacheDir := flag.String("cache-dir", "", "parameter-oracle disk cache dir (empty = memory only)")
	flag.Parse()

	oracle := paramoracle.NewOracle(paramoracle.NewCache(paramoracle.DefaultCacheCapacity, *cacheDir), nil)
	rng := rand.New(rand.NewSource(*seed))
	dhat := int(float64(*d) * *inflation)

	var (
		totalRounds int
		totalBytes  int64
		completed   int
		elapsed     time.Duration
	)

	for trial := 0; trial < *trials; trial++ {
		left, right := generatePair(rng, *d, *intersection)

		start := time.Now()
		rounds, bytes, ok := runSession(left, right, dhat, oracle)
		elapsed += time.Since(start)

		if ok {
			completed++
			totalRounds += rounds
			totalBytes += bytes
		}
	}

	fmt.Printf("d=%d intersection=%d dhat=%d trials=%d\n", *d, *intersection, dhat, *trials)
	fmt.Printf("completed: %d/%d\n", completed, *trials)
	if completed > 0 {
		fmt.Printf("avg rounds: %.2f\n", float64(totalRounds)/float64(completed))
		fmt.Printf("avg wire bytes: %.0f (%.2f per difference)\n",
			float64(totalBytes)/float64(completed),
			float64(totalBytes)/float64(completed)/float64(*d))
	}
	fmt.Printf("total time: %s (%.2f sessions/s)\n", elapsed, float64(*trials)/elapsed.Seconds())
}

func generatePair(rng *rand.Rand, d, intersection int) (left, right []uint64) {
	seen := map[uint64]bool{}
	draw := func() uint64 {
		for {
			k := rng.Uint64()
			if k != 0 && !seen[k] {
				seen[k] = true
				return k
			}
		}
	}
	for i := 0; i < intersection; i++ {
		k := draw()
		left = append(left, k)
		right = append(right, k)
	}
	for i := 0; i < d; i++ {
		if i%2 == 0 {
			left = append(left, draw())
		} else {
			right = append(right, draw())
		}
	}
	return left, right
}

// runSession drives one full session, counting serialized message bytes
// the way the transport would ship them.
func runSession(left, right []uint64, dhat int, oracle *paramoracle.Oracle) (rounds int, bytes int64, ok bool) {
	alice, err := pbs.New(dhat, pbs.WithOracle(oracle))
	if err != nil {
		return 0, 0, false
	}
	bob, err := pbs.New(dhat, pbs.WithOracle(oracle))
	if err != nil {
		return 0, 0, false
	}
	for _, k := range left {
		alice.Add(k)
	}
	for _, k := range right {
		bob.Add(k)
	}

	encA, _, err := alice.Encode()
	if err != nil {
		return 0, 0, false
	}
	bytes += int64(encA.SerializedSize())
	if _, _, err := bob.Encode(); err != nil {
		return 0, 0, false
	}
	dec, xors, sums, err := bob.Decode(encA)
	if err != nil {
		return 0, 0, false
	}
	bytes += int64(dec.SerializedSize()) + int64(8*(len(xors)+len(sums)))

	for {
		done, err := alice.DecodeCheck(dec, xors, sums)
		if err != nil {
			return 0, 0, false
		}
		if done {
			return alice.Rounds(), bytes, true
		}
		if alice.Rounds() >= pbs.DefaultMaxRounds+3 {
			return alice.Rounds(), bytes, false
		}
		var hint *wire.EncodingHintMessage
		encA, hint, err = alice.Encode()
		if err != nil {
			return 0, 0, false
		}
		if hint != nil {
			bytes += int64(hint.SerializedSize())
		}
		bytes += int64(encA.SerializedSize())
		if _, err := bob.EncodeWithHint(hint); err != nil {
			return 0, 0, false
		}
		dec, xors, sums, err = bob.Decode(encA)
		if err != nil {
			return 0, 0, false
		}
		bytes += int64(dec.SerializedSize()) + int64(8*(len(xors)+len(sums)))
	}
}
