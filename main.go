package main

import "github.com/turbolytics/tap-youtube-analytics/internal/cmd"

func main() {
	cmd.Execute()
}
