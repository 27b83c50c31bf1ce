package main

import "alarmaway/cmd/alarmaway/cmd"

func main() {
	cmd.Execute()
}
