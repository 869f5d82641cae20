// Command crawlsession serves the crawl-session coordination API and
// provides operator commands over the shared session store.
package main

func main() {
	Execute()
}
