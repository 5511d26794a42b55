package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tinyrange/minivm/internal/timeslice"
)

func percent(part, total time.Duration) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(part) / float64(total)
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "Timeslice summary written by minivm -timeslice-file")
	guestOnly := fs.Bool("guest", false, "Only print slices spent in the guest")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *filename == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open timeslice file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	doc, err := timeslice.ReadYAML(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read timeslice file: %v\n", err)
		os.Exit(1)
	}

	for _, e := range doc.Slices {
		if *guestOnly && !e.Guest {
			continue
		}
		avg := time.Duration(0)
		if e.Count > 0 {
			avg = e.Total / time.Duration(e.Count)
		}
		fmt.Printf("% 32s guest=%-5t count=% 6d total=% 14s avg=% 14s % 6.2f%%\n",
			e.Name, e.Guest, e.Count, e.Total, avg, percent(e.Total, doc.Total))
	}
	fmt.Printf("total=%s guest=%s (%.2f%%)\n", doc.Total, doc.GuestTime, percent(doc.GuestTime, doc.Total))
}
