// Command w64fsh is an interactive/batch shell over the WiCOS64
// filesystem façade: create, mkdir, ls, cat, write, stat, cd, cache
// stats, and a concurrency benchmark driven by errgroup.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"wicos64-server/internal/blockdev"
	"wicos64-server/internal/config"
	"wicos64-server/internal/metrics"
	"wicos64-server/internal/task"
	"wicos64-server/internal/version"
	"wicos64-server/internal/vfs"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:     "w64fsh",
		Short:   "Interactive shell over a WiCOS64 filesystem image",
		Version: version.Get().String(),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			return runShell(cfg)
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "optional config file (JSON/YAML)")
	if err := config.BindFlags(root.PersistentFlags(), v); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	root.AddCommand(newBenchCmd(v, &cfgFile))
	return root
}

func openFS(cfg config.Config) (*blockdev.Device, *vfs.FS, error) {
	dev, err := blockdev.Open(cfg.Device)
	if err != nil {
		return nil, nil, fmt.Errorf("open device: %w", err)
	}
	fs, err := vfs.Open(dev, timeutil.RealClock())
	if err != nil {
		dev.Close()
		return nil, nil, fmt.Errorf("mount: %w", err)
	}
	fs.SetLimits(cfg.MaxPath, cfg.MaxName)
	return dev, fs, nil
}

// runShell drives a line-based REPL over one task's view of the mounted
// filesystem.
func runShell(cfg config.Config) error {
	dev, fs, err := openFS(cfg)
	if err != nil {
		return err
	}
	defer dev.Close()
	defer fs.Shutdown()

	if cfg.MetricsListen != "" {
		metrics.NewCollector(dev, fs)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsListen); err != nil {
				log.Printf("metrics: %v", err)
			}
		}()
	}

	t := task.New()
	defer t.Close()

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Fprintln(os.Stdout, "wicos64 shell; type 'help' for commands")
	for {
		fmt.Fprint(os.Stdout, "w64fsh> ")
		if !scanner.Scan() {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		if err := dispatch(fs, t, line); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

func dispatch(fs *vfs.FS, t *task.Task, line string) error {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		fmt.Println("create <path> [size]\nmkdir <path>\nls <path>\ncat <path>\nwrite <path> <text>\nstat <path>\ncd <path>\nwhoami\ncache-stats\ncache-reset\nexit")
		return nil
	case "whoami":
		fmt.Println(t.ID)
		return nil
	case "create":
		if len(args) < 1 {
			return fmt.Errorf("usage: create <path> [size]")
		}
		size := uint32(0)
		if len(args) > 1 {
			n, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return err
			}
			size = uint32(n)
		}
		return fs.Create(t, args[0], size)
	case "mkdir":
		if len(args) != 1 {
			return fmt.Errorf("usage: mkdir <path>")
		}
		return fs.Mkdir(t, args[0])
	case "ls":
		if len(args) != 1 {
			return fmt.Errorf("usage: ls <path>")
		}
		n, err := fs.Open(t, args[0])
		if err != nil {
			return err
		}
		fh := vfs.OpenFile(n)
		defer fh.Close()
		for {
			name, ok := fh.Readdir()
			if !ok {
				break
			}
			fmt.Println(name)
		}
		return nil
	case "cat":
		if len(args) != 1 {
			return fmt.Errorf("usage: cat <path>")
		}
		n, err := fs.Open(t, args[0])
		if err != nil {
			return err
		}
		fh := vfs.OpenFile(n)
		defer fh.Close()
		buf := make([]byte, n.Length())
		fh.Read(buf)
		os.Stdout.Write(buf)
		fmt.Println()
		return nil
	case "write":
		if len(args) < 2 {
			return fmt.Errorf("usage: write <path> <text>")
		}
		n, err := fs.Open(t, args[0])
		if err != nil {
			return err
		}
		fh := vfs.OpenFile(n)
		defer fh.Close()
		data := []byte(strings.Join(args[1:], " "))
		if w := fh.Write(data); w != uint32(len(data)) {
			return fmt.Errorf("short write: %d/%d bytes", w, len(data))
		}
		return nil
	case "stat":
		if len(args) != 1 {
			return fmt.Errorf("usage: stat <path>")
		}
		n, err := fs.Open(t, args[0])
		if err != nil {
			return err
		}
		defer n.Close()
		fmt.Printf("inumber=%d is_dir=%v size=%d\n", fs.Inumber(n), n.IsDir(), n.Length())
		return nil
	case "cd":
		if len(args) != 1 {
			return fmt.Errorf("usage: cd <path>")
		}
		return fs.Chdir(t, args[0])
	case "cache-stats":
		hits, misses := fs.CacheStats()
		fmt.Printf("hits=%d misses=%d free_sectors=%d\n", hits, misses, fs.FreeSectors())
		return nil
	case "cache-reset":
		fs.CacheReset()
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func newBenchCmd(v *viper.Viper, cfgFile *string) *cobra.Command {
	var tasks int
	var iterations int

	cmd := &cobra.Command{
		Use:   "bench <path>",
		Short: "Simulate concurrent tasks reading one file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, *cfgFile)
			if err != nil {
				return err
			}
			return runBench(cfg, args[0], tasks, iterations)
		},
	}
	cmd.Flags().IntVar(&tasks, "tasks", 4, "number of simulated concurrent tasks")
	cmd.Flags().IntVar(&iterations, "iterations", 16, "read iterations per task")
	return cmd
}

// runBench opens path once per simulated task and drives concurrent
// reads of its first sector through errgroup, then reports the resulting cache
// hit/miss counts (spec.md §8, "concurrent readers hit cache").
func runBench(cfg config.Config, path string, numTasks, iterations int) error {
	dev, fs, err := openFS(cfg)
	if err != nil {
		return err
	}
	defer dev.Close()
	defer fs.Shutdown()

	root := task.New()
	defer root.Close()

	var g errgroup.Group
	for i := 0; i < numTasks; i++ {
		t := root.Fork()
		g.Go(func() error {
			defer t.Close()
			n, err := fs.Open(t, path)
			if err != nil {
				return fmt.Errorf("task %s: %w", t.ID, err)
			}
			fh := vfs.OpenFile(n)
			defer fh.Close()
			buf := make([]byte, 512)
			for j := 0; j < iterations; j++ {
				fh.Seek(0)
				fh.Read(buf)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	hits, misses := fs.CacheStats()
	fmt.Printf("tasks=%d iterations=%d hits=%d misses=%d\n", numTasks, iterations, hits, misses)
	return nil
}
