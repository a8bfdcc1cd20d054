// Periodically poll a cebra server until a block is done

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Bearer token sent with every request.
	token = flag.String("token", "", "")

	// Give up after this many seconds.  Zero waits forever.
	timeout = flag.Int("timeout", 0, "")
)

const helpMessage = `

cebra-wait polls a cebra server until a block has its completion marker.

Usage: cebra-wait [options] <delay in seconds> <server url> <dataset> <index>

  Example: cebra-wait 10 http://localhost:8000 supervoxels 12

      -token      =string   JWT sent as bearer token.
      -timeout    =number   Give up after this many seconds.
  -h, -help       (flag)    Show help message
`

type blockStatus struct {
	Done    bool   `json:"done"`
	Running bool   `json:"running"`
	Error   string `json:"error"`
}

func poll(url string) (blockStatus, error) {
	var status blockStatus
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return status, err
	}
	if *token != "" {
		req.Header.Set("Authorization", "Bearer "+*token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return status, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, fmt.Errorf("bad response (%s): %v", resp.Status, err)
	}
	if resp.StatusCode != http.StatusOK {
		return status, fmt.Errorf("%s: %s", resp.Status, status.Error)
	}
	return status, nil
}

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = func() {
		fmt.Print(helpMessage)
	}
	flag.Parse()

	args := flag.Args()
	if *showHelp || len(args) != 4 {
		flag.Usage()
		os.Exit(0)
	}

	pause, err := strconv.Atoi(args[0])
	if err != nil || pause <= 0 {
		fmt.Printf("error parsing pause time %q: %v\n", args[0], err)
		os.Exit(1)
	}
	if _, err := strconv.Atoi(args[3]); err != nil {
		fmt.Printf("error parsing block index %q: %v\n", args[3], err)
		os.Exit(1)
	}
	url := fmt.Sprintf("%s/api/status/%s/%s", strings.TrimSuffix(args[1], "/"), args[2], args[3])

	start := time.Now()
	for t := range time.Tick(time.Duration(pause) * time.Second) {
		status, err := poll(url)
		if err != nil {
			fmt.Printf("%s: error on GET of %q: %v\n", t, url, err)
			os.Exit(1)
		}
		if status.Done {
			os.Exit(0)
		}
		if *timeout > 0 && time.Since(start) > time.Duration(*timeout)*time.Second {
			fmt.Printf("Block %s of %s not done after %d seconds (running: %t)\n", args[3], args[2], *timeout, status.Running)
			os.Exit(2)
		}
	}
}
