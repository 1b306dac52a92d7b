// Command quiver runs autoregressive inference with the model weights
// and kv cache held on a far memory tier, pulled through a pinned page
// cache as the forward pass touches them.
//
// Usage: quiver <checkpoint> [options]
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/engine"
	"github.com/23skdu/longbow-quiver/internal/far"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/monitoring"
	"github.com/23skdu/longbow-quiver/internal/parallel"
	"github.com/23skdu/longbow-quiver/internal/sampler"
	"github.com/23skdu/longbow-quiver/internal/tokenizer"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: quiver <checkpoint> [options]
Example: quiver model.bin -n 256 -i "Once upon a time"
Options:
  -t <float>   temperature in [0,inf), default 1.0 (0 = greedy)
  -p <float>   p value in top-p (nucleus) sampling in [0,1], default 0.9
  -s <int>     random seed, default 1
  -n <int>     number of steps to run for, default 256 (0 = max_seq_len)
  -i <string>  input prompt
  -z <string>  path to the tokenizer file, default tokenizer.bin
  -m <string>  mode: generate or chat, default generate
  -y <string>  system prompt in chat mode, default none
  -r <string>  far memory tier: "mem" for in-process, host:port for a
               Flight server, default none (weights stay local)
  -b <int>     page cache budget in bytes, default 1073741824
  -j <int>     worker count, default the CPU count
  -a <string>  metrics listen address, default :9090 ("off" disables)
  -v <string>  log level: debug, info, warn, error, default info
`)
	os.Exit(1)
}

func parseArgs() (string, config.Runtime) {
	if len(os.Args) < 2 {
		usage()
	}
	checkpoint := os.Args[1]
	rt := config.DefaultRuntime()

	for i := 2; i < len(os.Args); i += 2 {
		if i+1 >= len(os.Args) || len(os.Args[i]) != 2 || os.Args[i][0] != '-' {
			usage()
		}
		val := os.Args[i+1]
		var err error
		switch os.Args[i][1] {
		case 't':
			var f float64
			f, err = strconv.ParseFloat(val, 32)
			rt.Temperature = float32(f)
		case 'p':
			var f float64
			f, err = strconv.ParseFloat(val, 32)
			rt.TopP = float32(f)
		case 's':
			rt.Seed, err = strconv.ParseUint(val, 10, 64)
		case 'n':
			rt.Steps, err = strconv.Atoi(val)
		case 'i':
			rt.Prompt = val
		case 'z':
			rt.Tokenizer = val
		case 'm':
			rt.Mode = val
		case 'y':
			rt.SystemPrompt = val
		case 'r':
			rt.RemoteAddr = val
		case 'b':
			rt.CacheBytes, err = strconv.ParseInt(val, 10, 64)
		case 'j':
			rt.Workers, err = strconv.Atoi(val)
		case 'a':
			rt.MetricsAddr = val
		case 'v':
			rt.LogLevel = val
		default:
			usage()
		}
		if err != nil {
			usage()
		}
	}
	if err := rt.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "quiver: %v\n", err)
		usage()
	}
	return checkpoint, rt
}

func openTier(rt config.Runtime) (*far.Cache, func(), error) {
	if rt.RemoteAddr == "" {
		return nil, func() {}, nil
	}
	var tr far.Transport
	if rt.RemoteAddr == "mem" {
		tr = far.NewMemTransport(0)
	} else {
		ft, err := far.NewFlightTransport(rt.RemoteAddr)
		if err != nil {
			return nil, nil, err
		}
		tr = ft
	}
	cache := far.NewCache(tr, rt.CacheBytes)
	logger.Log.Info("far memory tier attached",
		"addr", rt.RemoteAddr,
		"cache_frames", cache.Frames())
	return cache, func() { tr.Close() }, nil
}

func main() {
	checkpoint, rt := parseArgs()
	logger.Setup(rt.LogLevel, "console")

	workers := rt.Workers
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	parallel.SetWorkers(workers)

	ctx := context.Background()
	cache, closeTier, err := openTier(rt)
	if err != nil {
		logger.Log.Fatal("failed to attach far memory tier", "error", err)
	}
	defer closeTier()

	if rt.MetricsAddr != "" && rt.MetricsAddr != "off" {
		go monitoring.NewServer(cache).Serve(rt.MetricsAddr)
	}

	t, err := engine.New(ctx, checkpoint, cache)
	if err != nil {
		logger.Log.Fatal("failed to load model", "checkpoint", checkpoint, "error", err)
	}
	defer t.Close(ctx)

	tok, err := tokenizer.Load(rt.Tokenizer, t.Config.VocabSize)
	if err != nil {
		logger.Log.Fatal("failed to load tokenizer", "path", rt.Tokenizer, "error", err)
	}
	samp := sampler.New(t.Config.VocabSize, rt.Temperature, rt.TopP, rt.Seed)

	switch rt.Mode {
	case "generate":
		_, err = engine.Generate(ctx, t, tok, samp, rt.Prompt, rt.Steps, os.Stdout)
	case "chat":
		err = engine.Chat(ctx, t, tok, samp, rt.Prompt, rt.SystemPrompt, rt.Steps, os.Stdin, os.Stdout)
	}
	if err != nil {
		logger.Log.Fatal("inference failed", "error", err)
	}

	p := t.Profile()
	logger.Log.Info("kernel profile",
		"steps", p.Steps,
		"matmul", p.Matmul.String(),
		"attention", p.Attention.String(),
		"rmsnorm", p.RMSNorm.String(),
		"other", p.Other.String(),
		"total", p.Total().String())
}
