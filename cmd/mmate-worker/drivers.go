package main

// SQL drivers selectable through stores.sql.driver
import (
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)
