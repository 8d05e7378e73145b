// Package testutils holds helpers for tests which need a real postgres.
package testutils

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strings"
)

// PrepareDBConnectionString builds a lib/pq connection string for the test
// database. With POSTGRES_DB set (CI) that database is used as-is; otherwise a
// local database named wantDBName is dropped and recreated so each package's
// test run starts from an empty schema.
func PrepareDBConnectionString(wantDBName string) string {
	dbName := os.Getenv("POSTGRES_DB")
	if dbName == "" {
		dbName = recreateLocalDB(wantDBName)
	}
	parts := []string{
		"user=" + envOrCurrentUser(),
		"dbname=" + dbName,
		"sslmode=disable",
	}
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		parts = append(parts, "password="+password)
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		parts = append(parts, "host="+host)
	}
	return strings.Join(parts, " ")
}

func envOrCurrentUser() string {
	if u := os.Getenv("POSTGRES_USER"); u != "" {
		return u
	}
	u, err := user.Current()
	if err != nil {
		fmt.Println("cannot get current user: ", err)
		os.Exit(2)
	}
	return u.Username
}

func recreateLocalDB(dbName string) string {
	fmt.Println("Note: tests require a postgres install accessible to the current user")
	exec.Command("dropdb", "-f", dbName).Run()
	createDB := exec.Command("createdb", dbName)
	createDB.Stdout = os.Stdout
	createDB.Stderr = os.Stderr
	if err := createDB.Run(); err != nil {
		fmt.Println("createdb failed: ", err)
		os.Exit(2)
	}
	return dbName
}
