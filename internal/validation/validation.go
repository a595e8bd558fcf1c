// Package validation содержит функции валидации входных данных.
package validation

import (
	"regexp"
	"unicode"
	"unicode/utf8"
)

const (
	minCardLength     = 8
	maxCardLength     = 32
	minNameLength     = 2
	maxNameLength     = 100
	minUsernameLength = 3
	minPasswordLength = 8
	minNationalID     = 100000
)

var (
	emailRe    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
)

// IsValidCardNumber проверяет номер RFID-карты: от 8 до 32 латинских букв или цифр.
func IsValidCardNumber(number string) bool {
	if len(number) < minCardLength || len(number) > maxCardLength {
		return false
	}

	for i := 0; i < len(number); i++ {
		ch := rune(number[i])
		if ch > unicode.MaxASCII || !(unicode.IsDigit(ch) || unicode.IsLetter(ch)) {
			return false
		}
	}

	return true
}

// IsValidEmail выполняет упрощённую проверку адреса почты.
func IsValidEmail(email string) bool {
	return emailRe.MatchString(email)
}

// IsValidUsername проверяет логин: не короче трёх символов, только латиница, цифры и подчёркивание.
func IsValidUsername(username string) bool {
	return len(username) >= minUsernameLength && usernameRe.MatchString(username)
}

// IsValidName проверяет длину отображаемого имени.
func IsValidName(name string) bool {
	n := utf8.RuneCountInString(name)
	return n >= minNameLength && n <= maxNameLength
}

// IsValidNationalID проверяет номер удостоверения личности: не менее шести цифр.
func IsValidNationalID(id int64) bool {
	return id >= minNationalID
}

// IsStrongPassword требует не менее восьми символов, хотя бы одну букву, цифру и спецсимвол.
func IsStrongPassword(password string) bool {
	if utf8.RuneCountInString(password) < minPasswordLength {
		return false
	}

	var letter, digit, special bool
	for _, ch := range password {
		switch {
		case ch <= unicode.MaxASCII && unicode.IsLetter(ch):
			letter = true
		case ch <= unicode.MaxASCII && unicode.IsDigit(ch):
			digit = true
		default:
			special = true
		}
	}

	return letter && digit && special
}
