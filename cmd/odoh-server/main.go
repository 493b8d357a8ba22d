// Command odoh-server runs an oblivious DNS-over-HTTPS target.
package main

func main() {
	Execute()
}
