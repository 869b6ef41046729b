package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Mints a driver token for local development.
//
//	go run ./misc/make-token -driver d-123 -secret $JWT_SECRET
func main() {
	driverID := flag.String("driver", "", "driver id to embed as the subject claim")
	secret := flag.String("secret", "", "signing secret, must match JWT_SECRET on the server")
	ttl := flag.Duration("ttl", 12*time.Hour, "token lifetime")
	flag.Parse()

	if *driverID == "" || *secret == "" {
		flag.Usage()
		os.Exit(1)
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": *driverID,
		"iat": now.Unix(),
		"exp": now.Add(*ttl).Unix(),
	})

	signed, err := token.SignedString([]byte(*secret))
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(signed)
}
