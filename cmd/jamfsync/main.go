// jamfsync mirrors the Jamf Pro package catalog into a local folder or an
// S3 bucket, once or on a cron schedule.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
