// Command heapsim exercises the kernel heap allocators on a host machine.
package main

func main() {
	execute()
}
