// Command probe is a tiny fixture binary for exec-driven script
// archives: it echoes its arguments and environment back out and lets
// a test dictate its exit status and timing, so scripts can exercise
// tscript's process handling without depending on host tools like
// echo/sleep/false being present or behaving identically across OSes.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func main() {
	if d := os.Getenv("PROBE_SLEEP"); d != "" {
		if n, err := strconv.Atoi(d); err == nil {
			time.Sleep(time.Duration(n) * time.Millisecond)
		}
	}

	if len(os.Args) > 1 {
		fmt.Println(strings.Join(os.Args[1:], " "))
	} else {
		fmt.Println("probe ready")
	}

	if v := os.Getenv("PROBE_STDERR"); v != "" {
		fmt.Fprintln(os.Stderr, v)
	}

	code := 0
	if v := os.Getenv("PROBE_EXIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			code = n
		}
	}
	os.Exit(code)
}
