/*
Package dtqueue documents the dtqueue module.

This module is CLI-first and ships the dtqueue command:

	go install github.com/nuetzliches/dtqueue/cmd/dtqueue@latest

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package dtqueue
