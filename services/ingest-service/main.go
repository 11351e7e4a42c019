package main

import "github.com/finvoice/pipeline/services/ingest-service/internal/app"

func main() {
	app.Execute()
}
