// Command psvmbench exercises a PSVM VM under synthetic allocation,
// save/restore, collection, and root-scanning load, the same shape as
// the teacher's brimstore-valuesstore benchmark: a go-flags parsed
// optsStruct, a positional list of named scenarios, and a per-scenario
// function reporting elapsed time and throughput.
package main

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/gholt/brimutil"
	"github.com/gholt/psvm/internal/arena"
	"github.com/gholt/psvm/internal/format"
	"github.com/gholt/psvm/internal/root"
	"github.com/gholt/psvm/internal/slot"
	"github.com/gholt/psvm/internal/vm"
)

type optsStruct struct {
	Cores      int    `long:"cores" description:"The number of cores. Default: CPU core count"`
	Clients    int    `long:"clients" description:"The number of concurrent allocators. Default: cores*cores"`
	Number     int    `short:"n" long:"number" description:"Number of objects to allocate per scenario. Default: 100000"`
	SaveCycles int    `long:"save-cycles" description:"Number of nested save/restore cycles for the saverestore scenario. Default: 1000"`
	Random     int    `long:"random" description:"Random number seed. Default: 0"`
	Positional struct {
		Scenarios []string `name:"scenarios" description:"alloc saverestore gc root-scan"`
	} `positional-args:"yes"`
	st    runtime.MemStats
	theVM *vm.VM
}

var opts optsStruct
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		args = append(args, "-h")
	}
	if _, err := parser.ParseArgs(args); err != nil {
		os.Exit(1)
	}
	for _, arg := range opts.Positional.Scenarios {
		switch arg {
		case "alloc", "saverestore", "gc", "root-scan":
		default:
			fmt.Fprintf(os.Stderr, "Unknown scenario named %#v.\n", arg)
			os.Exit(1)
		}
	}
	if opts.Cores > 0 {
		runtime.GOMAXPROCS(opts.Cores)
	} else if os.Getenv("GOMAXPROCS") == "" {
		runtime.GOMAXPROCS(runtime.NumCPU())
	}
	opts.Cores = runtime.GOMAXPROCS(0)
	if opts.Clients == 0 {
		opts.Clients = opts.Cores * opts.Cores
	}
	if opts.Number == 0 {
		opts.Number = 100000
	}
	if opts.SaveCycles == 0 {
		opts.SaveCycles = 1000
	}
	fmt.Println(opts.Cores, "cores")
	fmt.Println(opts.Clients, "clients")
	fmt.Println(opts.Number, "objects")
	memstat()

	begin := time.Now()
	opts.theVM = vm.New(vm.NewConfig("", vm.OptCores(opts.Cores)))
	fmt.Println(time.Now().Sub(begin), "to start VM")
	memstat()

	for _, arg := range opts.Positional.Scenarios {
		switch arg {
		case "alloc":
			scenarioAlloc()
		case "saverestore":
			scenarioSaveRestore()
		case "gc":
			scenarioCollect()
		case "root-scan":
			scenarioRootScan()
		}
		memstat()
	}
}

func memstat() {
	lastAlloc := opts.st.TotalAlloc
	runtime.ReadMemStats(&opts.st)
	deltaAlloc := opts.st.TotalAlloc - lastAlloc
	_ = lastAlloc
	fmt.Printf("%0.2fG total alloc, %0.2fG delta\n\n", float64(opts.st.TotalAlloc)/1024/1024/1024, float64(deltaAlloc)/1024/1024/1024)
}

// scrambleSeed deterministically varies per-client work the same way the
// teacher scrambles its benchmark keyspace with brimutil's seeded PRNG,
// so repeated runs with the same -random value allocate the same sizes.
func scrambleSeed(client int) []byte {
	buf := make([]byte, 8)
	brimutil.NewSeededScrambled(int64(opts.Random) + int64(client)).Read(buf)
	return buf
}

func scenarioAlloc() {
	var allocated uint64
	begin := time.Now()
	wg := &sync.WaitGroup{}
	wg.Add(opts.Clients)
	perClient := opts.Number / opts.Clients
	for c := 0; c < opts.Clients; c++ {
		go func(client int) {
			seed := scrambleSeed(client)
			for i := 0; i < perClient; i++ {
				size := uintptr(seed[i%len(seed)]) + 16
				if _, err := opts.theVM.Alloc(slot.TagArray, "array", format.VariantFixed, size, false); err != nil {
					panic(err)
				}
				atomic.AddUint64(&allocated, 1)
			}
			wg.Done()
		}(c)
	}
	wg.Wait()
	dur := time.Now().Sub(begin)
	fmt.Printf("%s %.0f/s to allocate %d objects\n", dur, float64(allocated)/(float64(dur)/float64(time.Second)), allocated)
}

func scenarioSaveRestore() {
	begin := time.Now()
	for i := 0; i < opts.SaveCycles; i++ {
		ref := opts.theVM.Save()
		s, err := opts.theVM.Alloc(slot.TagString, "string", format.VariantFixed, 32, false)
		if err != nil {
			panic(err)
		}
		opts.theVM.CheckASave(s)
		s.SetImmediate(uint64(i))
		if err := opts.theVM.Restore(ref, nil); err != nil {
			panic(err)
		}
	}
	dur := time.Now().Sub(begin)
	fmt.Printf("%s %.0f/s for %d save/restore cycles\n", dur, float64(opts.SaveCycles)/(float64(dur)/float64(time.Second)), opts.SaveCycles)
}

func scenarioCollect() {
	begin := time.Now()
	opts.theVM.Collect(arena.CollectFull)
	dur := time.Now().Sub(begin)
	fmt.Println(dur, "to run one full collection")
}

func scenarioRootScan() {
	ids := make([]interface{}, 0, 100)
	for i := 0; i < 100; i++ {
		id := opts.theVM.RootRegister(root.KindCallback, root.RankExact, "bench-root", func(ctx root.ScanContext) {})
		ids = append(ids, id)
	}
	begin := time.Now()
	opts.theVM.Collect(arena.CollectFull)
	dur := time.Now().Sub(begin)
	fmt.Println(dur, "to scan 100 registered roots during one collection")
}
